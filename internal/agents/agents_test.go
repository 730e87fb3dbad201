package agents

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/common/config"
)

func TestBuildAnthropicPromptAsArgument(t *testing.T) {
	c := NewCatalog("")
	inv := c.Lookup(ProviderAnthropic).Build(Account{Model: "opus", ConfigDir: "/cfg/work"}, "/wt", "Add a comment")

	assert.Equal(t, []string{
		"claude", "-p", "--verbose", "--output-format", "stream-json",
		"--permission-mode", "bypassPermissions", "--model", "opus", "Add a comment",
	}, inv.Argv)
	assert.Equal(t, "/cfg/work", inv.Env["CLAUDE_CONFIG_DIR"])
	assert.Empty(t, inv.InitialInput)
	assert.True(t, inv.StreamJSON)
	assert.True(t, inv.SupportsContinuation)
}

func TestBuildContinuation(t *testing.T) {
	c := NewCatalog("")
	anthropic := c.Lookup(ProviderAnthropic)
	require.True(t, anthropic.CanContinue())

	inv := anthropic.BuildContinuation(Account{Model: "opus"}, "/wt", "conv-9")
	assert.Equal(t, []string{
		"claude", "-p", "--verbose", "--output-format", "stream-json",
		"--permission-mode", "bypassPermissions", "--model", "opus",
		"--resume", "conv-9", ContinuationPrompt,
	}, inv.Argv)

	// The first run never carries a resume flag.
	assert.NotContains(t, anthropic.Build(Account{}, "/wt", "x").Argv, "--resume")

	mock := c.Lookup(ProviderMock).BuildContinuation(Account{}, "/wt", "mock-session-1")
	assert.Equal(t, []string{"agentrun-mock-agent", "--dir", "/wt", "--resume", "mock-session-1", ContinuationPrompt}, mock.Argv)

	assert.False(t, c.Lookup(ProviderQwen).CanContinue())
	assert.False(t, Provider{SupportsContinuation: true}.CanContinue(), "no way to resume without a flag")
}

func TestBuildOpenAIPromptOnStdin(t *testing.T) {
	c := NewCatalog("")
	inv := c.Lookup(ProviderOpenAI).Build(Account{Model: "default", ConfigDir: "/homes/a"}, "/wt", "do it")

	assert.Equal(t, []string{
		"codex", "exec", "--dangerously-bypass-approvals-and-sandbox", "--skip-git-repo-check",
		"-C", "/wt", "-",
	}, inv.Argv)
	assert.Equal(t, "do it\n", inv.InitialInput)
	assert.Equal(t, "/homes/a", inv.Env["HOME"])
	assert.True(t, inv.StdinPipe)
}

func TestBuildOtherProviders(t *testing.T) {
	c := NewCatalog("/bin/mock-agent")

	qwen := c.Lookup(ProviderQwen).Build(Account{}, "/wt", "p")
	assert.Equal(t, []string{"qwen", "-y", "--output-format", "stream-json", "-p", "p"}, qwen.Argv)

	gemini := c.Lookup(ProviderGemini).Build(Account{Model: "flash"}, "/wt", "p")
	assert.Equal(t, []string{"gemini", "-y", "-m", "flash"}, gemini.Argv)
	assert.Equal(t, "p\n", gemini.InitialInput)
	assert.False(t, gemini.StdinPipe)

	mistral := c.Lookup(ProviderMistral).Build(Account{}, "/wt", "p")
	assert.Equal(t, []string{"vibe"}, mistral.Argv)

	mock := c.Lookup(ProviderMock).Build(Account{}, "/wt", "p")
	assert.Equal(t, []string{"/bin/mock-agent", "--dir", "/wt", "p"}, mock.Argv)
}

func TestLookupUnknownFallsBackToName(t *testing.T) {
	c := NewCatalog("")
	assert.False(t, c.Has("aider"))
	inv := c.Lookup("aider").Build(Account{}, "/wt", "fix it")
	assert.Equal(t, []string{"aider"}, inv.Argv)
	assert.Equal(t, "fix it\n", inv.InitialInput)
}

func TestLookupReturnsCopy(t *testing.T) {
	c := NewCatalog("")
	p := c.Lookup(ProviderOpenAI)
	p.TrailingArgs[0] = "changed"
	assert.Equal(t, []string{"-"}, c.Lookup(ProviderOpenAI).TrailingArgs)
}

func TestCatalogRegister(t *testing.T) {
	c := NewCatalog("")
	c.Register(Provider{Name: "echo", Command: NewCommand("echo"), PromptMode: PromptArg})
	require.True(t, c.Has("echo"))
	assert.Equal(t, []string{"echo", "hi"}, c.Lookup("echo").Build(Account{}, "/wt", "hi").Argv)
}

func TestCatalogLoadOverrides(t *testing.T) {
	c := NewCatalog("")
	path := filepath.Join(t.TempDir(), "providers.yaml")
	content := `
providers:
  anthropic:
    command: [/opt/claude, -p]
    env:
      DISABLE_TELEMETRY: "1"
    supportsContinuation: false
  aider:
    command: [aider, --yes]
    promptMode: arg
    promptFlag: [--message, "{prompt}"]
    resumeFlag: [--restore-chat-history, "{session}"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, c.LoadFile(path))

	anthropic := c.Lookup(ProviderAnthropic)
	inv := anthropic.Build(Account{}, "/wt", "hi")
	assert.Equal(t, []string{"/opt/claude", "-p", "hi"}, inv.Argv)
	assert.Equal(t, "1", inv.Env["DISABLE_TELEMETRY"])
	assert.False(t, inv.SupportsContinuation)
	assert.True(t, inv.StreamJSON, "unset fields keep built-in values")

	require.True(t, c.Has("aider"))
	aider := c.Lookup("aider").Build(Account{}, "/wt", "hi")
	assert.Equal(t, []string{"aider", "--yes", "--message", "hi"}, aider.Argv)
	resumed := c.Lookup("aider").BuildContinuation(Account{}, "/wt", "chat-1")
	assert.Equal(t, []string{"aider", "--yes", "--restore-chat-history", "chat-1", "--message", ContinuationPrompt}, resumed.Argv)
	assert.Contains(t, c.Names(), "aider")
}

func TestCatalogLoadRejectsBadFiles(t *testing.T) {
	c := NewCatalog("")
	err := c.Load([]byte("providers: [oops"))
	assert.ErrorIs(t, err, ErrInvalidProviderFile)

	err = c.Load([]byte("providers:\n  newone:\n    promptMode: arg\n"))
	assert.ErrorIs(t, err, ErrInvalidProviderFile)

	err = c.Load([]byte("providers:\n  gemini:\n    promptMode: telepathy\n"))
	assert.ErrorIs(t, err, ErrInvalidProviderFile)
}

func TestAccountsResolve(t *testing.T) {
	catalog := NewCatalog("")
	accounts := AccountsFromConfig(map[string]config.AccountConfig{
		"work": {Provider: ProviderAnthropic, Model: "sonnet", ConfigDir: "/cfg/work"},
	})

	acct, err := accounts.Resolve("work", catalog)
	require.NoError(t, err)
	assert.Equal(t, Account{Name: "work", Provider: ProviderAnthropic, Model: "sonnet", ConfigDir: "/cfg/work"}, acct)

	acct, err = accounts.Resolve(ProviderMock, catalog)
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, acct.Provider)

	_, err = accounts.Resolve("nobody", catalog)
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestStreamParser(t *testing.T) {
	var p StreamParser
	msgs := p.Feed([]byte(`{"type":"system","subtype":"init","session_id":"conv-1"}` + "\r\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Looking"},{"type":"tool_use","name":"Edit","input":{"file_path":"README.md"}}]}}` + "\r\n" +
		`{"type":"res`))
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Type: "assistant", Text: "Looking"}, msgs[0])
	assert.Equal(t, "tool_use", msgs[1].Type)
	assert.Equal(t, "Edit", msgs[1].Tool)
	assert.Equal(t, "README.md", msgs[1].Input["file_path"])

	msgs = p.Feed([]byte(`ult","result":"Done."}` + "\n" + "plain text\n" +
		`{"type":"message","role":"assistant","content":"qwen says hi"}` + "\n"))
	require.Len(t, msgs, 2)
	assert.Equal(t, "result", msgs[0].Type)
	assert.Equal(t, "qwen says hi", msgs[1].Text)
	assert.Equal(t, "Done.", p.Result())
	assert.Equal(t, "conv-1", p.SessionID())
}

func TestFinalResponse(t *testing.T) {
	output := []byte("noise\n{\"type\":\"result\",\"result\":\"first\"}\n{\"type\":\"result\",\"result\":\"Added a comment.\"}")
	assert.Equal(t, "Added a comment.", FinalResponse(output, nil))

	screen := []string{"", "  header", "", "answer line   ", "", ""}
	assert.Equal(t, "  header\nanswer line", FinalResponse([]byte("no json here\n"), screen))

	var long []string
	for i := 0; i < 30; i++ {
		long = append(long, "line")
	}
	got := FinalResponse(nil, long)
	assert.Len(t, splitLines(got), screenResultLines)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestScreenRendersOutput(t *testing.T) {
	s := NewScreen(20, 5)
	_, err := s.Write([]byte("hello\r\n\x1b[1mbold\x1b[0m world\r\nxx\rab"))
	require.NoError(t, err)

	lines := s.Lines()
	require.Len(t, lines, 5)
	assert.Equal(t, "hello", lines[0])
	assert.Equal(t, "bold world", lines[1])
	assert.Equal(t, "ab", lines[2])
	assert.Equal(t, "hello\nbold world\nab", s.Text())
}
