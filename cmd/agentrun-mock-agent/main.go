// Package main implements a mock agent binary that prints stream-json like
// the claude CLI. It stands in for real agents in tests and local runs.
//
//	agentrun-mock-agent [--dir DIR] [--model MODEL] [--exit-code N]
//	                    [--sleep DURATION] [--silent] [--resume SESSION] [prompt]
//
// The prompt is read from stdin when no argument is given. Prompts starting
// with a slash command select a scenario, see parseScenario; flags take
// precedence over slash commands.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// sessionID is a unique identifier for this mock-agent process instance.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

type options struct {
	dir      string
	model    string
	prompt   string
	exitCode int
	sleep    time.Duration
	silent   bool
	resume   string
}

// scenario combines the prompt's slash commands with explicit flags.
func (o options) scenario() scenario {
	sc := parseScenario(o.prompt)
	if o.exitCode != 0 {
		sc.exitCode = o.exitCode
	}
	if o.sleep > 0 {
		sc.sleep = o.sleep
	}
	if o.silent {
		sc.silent = true
	}
	// A resumed conversation picks up where the partial run stopped.
	if o.resume != "" {
		sc.partial = false
	}
	return sc
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}
	if opts.resume != "" {
		sessionID = opts.resume
	}
	if opts.dir != "" {
		if err := os.Chdir(opts.dir); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
	}
	os.Exit(run(os.Stdout, opts, opts.scenario()))
}

// parseArgs reads flags and the prompt. Without a positional prompt the
// first line of stdin is used.
func parseArgs(args []string, stdin io.Reader) (options, error) {
	fs := flag.NewFlagSet("agentrun-mock-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts options
	fs.StringVar(&opts.dir, "dir", "", "working directory")
	fs.StringVar(&opts.model, "model", defaultModel, "model name")
	fs.IntVar(&opts.exitCode, "exit-code", 0, "exit code after the run")
	fs.DurationVar(&opts.sleep, "sleep", 0, "wait this long before finishing")
	fs.BoolVar(&opts.silent, "silent", false, "print nothing")
	fs.StringVar(&opts.resume, "resume", "", "continue an earlier session")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.prompt == "" && stdin != nil {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return opts, fmt.Errorf("read prompt: %w", err)
		}
		opts.prompt = strings.TrimSpace(line)
	}
	if opts.prompt == "" && !opts.silent {
		return opts, errors.New("no prompt given")
	}
	return opts, nil
}

// run plays a scenario and returns the process exit code.
func run(w io.Writer, opts options, sc scenario) int {
	start := time.Now()
	enc := json.NewEncoder(w)
	lo, hi := delayRange(opts.model)
	pause := func() { time.Sleep(time.Duration((lo+hi)/2) * time.Millisecond) }

	if sc.silent {
		time.Sleep(sc.sleep)
		return sc.exitCode
	}

	cwd, _ := os.Getwd()
	_ = enc.Encode(SystemMsg{Type: TypeSystem, Subtype: "init", SessionID: sessionID, Model: opts.model, Cwd: cwd})
	pause()

	if sc.partial {
		emitText(enc, opts.model, "Explored the project, starting on the changes next.")
		return sc.exitCode
	}

	if sc.sleep > 0 {
		emitText(enc, opts.model, fmt.Sprintf("Working for %s...", sc.sleep))
		time.Sleep(sc.sleep)
	}

	if sc.failure != "" {
		emitText(enc, opts.model, sc.failure)
		_ = enc.Encode(ResultMsg{
			Type: TypeResult, Subtype: "error_during_execution", SessionID: sessionID,
			Result: sc.failure, IsError: true, NumTurns: 1,
			DurationMS: time.Since(start).Milliseconds(),
		})
		return sc.exitCode
	}

	emitText(enc, opts.model, "Looking at the project first.")
	pause()
	readme := readFileSnippet("README.md", 5)
	emitToolUse(enc, opts.model, "toolu_read", ToolRead, map[string]any{"file_path": "README.md"})
	pause()

	notes := notesContent(sc.task, readme)
	if err := os.WriteFile(notesFile, []byte(notes), 0o644); err != nil {
		msg := fmt.Sprintf("could not write %s: %v", notesFile, err)
		_ = enc.Encode(ResultMsg{Type: TypeResult, Subtype: "error_during_execution", SessionID: sessionID, Result: msg, IsError: true})
		return 1
	}
	emitToolUse(enc, opts.model, "toolu_write", ToolWrite, map[string]any{"file_path": notesFile})
	pause()

	summary := fmt.Sprintf("Wrote %s for: %s", notesFile, sc.task)
	emitText(enc, opts.model, summary)
	_ = enc.Encode(ResultMsg{
		Type: TypeResult, Subtype: "success", SessionID: sessionID,
		Result: summary, NumTurns: 1,
		DurationMS: time.Since(start).Milliseconds(),
	})
	return sc.exitCode
}

func emitText(enc *json.Encoder, model, text string) {
	_ = enc.Encode(AssistantMsg{
		Type:      TypeAssistant,
		SessionID: sessionID,
		Message: AssistantBody{
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{{Type: BlockText, Text: text}},
		},
	})
}

func emitToolUse(enc *json.Encoder, model, id, tool string, input map[string]any) {
	_ = enc.Encode(AssistantMsg{
		Type:      TypeAssistant,
		SessionID: sessionID,
		Message: AssistantBody{
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{{Type: BlockToolUse, ID: id, Name: tool, Input: input}},
		},
	})
}
