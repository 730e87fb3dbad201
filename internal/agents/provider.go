package agents

import "maps"

// PromptMode selects how a provider receives the task prompt.
type PromptMode string

const (
	// PromptArg passes the prompt on the command line.
	PromptArg PromptMode = "arg"
	// PromptStdin types the prompt into the session after it starts.
	PromptStdin PromptMode = "stdin"
)

// Provider describes how to launch one agent CLI.
type Provider struct {
	Name    string
	Command Command

	PromptMode PromptMode
	// PromptFlag carries the prompt in arg mode; empty appends it positionally.
	PromptFlag  Param
	ModelFlag   Param
	WorkdirFlag Param
	// ResumeFlag reopens an earlier conversation by its session handle.
	ResumeFlag Param
	// TrailingArgs follow every other argument, e.g. "-" for read-from-stdin.
	TrailingArgs []string

	// ConfigDirEnv names the variable that receives the account's config dir.
	ConfigDirEnv string
	Env          map[string]string

	// StdinPipe gives the child a pipe for stdin that is closed after the
	// prompt is written, for CLIs that read the prompt until EOF.
	StdinPipe bool
	// StreamJSON marks providers that print newline-delimited JSON events.
	StreamJSON bool
	// SupportsContinuation marks providers that can resume a conversation,
	// so their session handle is kept after a task ends.
	SupportsContinuation bool
}

// Invocation is a fully resolved agent launch.
type Invocation struct {
	Provider             string
	Argv                 []string
	Env                  map[string]string
	InitialInput         string
	StdinPipe            bool
	StreamJSON           bool
	SupportsContinuation bool
}

// ContinuationPrompt is sent when an agent exited cleanly without reporting
// a result.
const ContinuationPrompt = `Your previous run ended before the task was finished. Continue from where you left off:
make the remaining changes, run the project's checks and fix any failures.
Do not stop at another progress update.`

// CanContinue reports whether a conversation of this provider can be
// resumed in a new process.
func (p Provider) CanContinue() bool {
	return p.SupportsContinuation && !p.ResumeFlag.IsEmpty()
}

// Build resolves the provider's command for an account, working directory
// and prompt.
func (p Provider) Build(acct Account, workDir, prompt string) Invocation {
	return p.build(acct, workDir, prompt, "")
}

// BuildContinuation resolves a follow-up run that resumes sessionID with
// ContinuationPrompt.
func (p Provider) BuildContinuation(acct Account, workDir, sessionID string) Invocation {
	return p.build(acct, workDir, ContinuationPrompt, sessionID)
}

func (p Provider) build(acct Account, workDir, prompt, sessionID string) Invocation {
	b := p.Command.With().
		Workdir(p.WorkdirFlag, workDir).
		Model(p.ModelFlag, acct.Model).
		Resume(p.ResumeFlag, sessionID)

	inv := Invocation{
		Provider:             p.Name,
		Env:                  make(map[string]string, len(p.Env)+1),
		StdinPipe:            p.StdinPipe,
		StreamJSON:           p.StreamJSON,
		SupportsContinuation: p.SupportsContinuation,
	}
	maps.Copy(inv.Env, p.Env)
	if p.ConfigDirEnv != "" && acct.ConfigDir != "" {
		inv.Env[p.ConfigDirEnv] = acct.ConfigDir
	}

	switch p.PromptMode {
	case PromptStdin:
		if prompt != "" {
			inv.InitialInput = prompt + "\n"
		}
	default:
		b.Prompt(p.PromptFlag, prompt)
	}
	b.Flag(p.TrailingArgs...)

	inv.Argv = b.Build().Args()
	return inv
}

func (p Provider) clone() Provider {
	p.Env = maps.Clone(p.Env)
	p.TrailingArgs = append([]string(nil), p.TrailingArgs...)
	return p
}
