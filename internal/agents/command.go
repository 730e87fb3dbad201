// Package agents builds the command lines used to launch coding agent CLIs
// and extracts their final responses.
package agents

import "strings"

// Command is a CLI invocation. Serialize to []string only at the process
// boundary.
type Command struct {
	args []string
}

// NewCommand creates a Command from the given arguments.
func NewCommand(args ...string) Command {
	return Command{args: append([]string{}, args...)}
}

// Args returns the raw argument vector.
func (c Command) Args() []string {
	return append([]string{}, c.args...)
}

// IsEmpty reports whether the command has no arguments.
func (c Command) IsEmpty() bool {
	return len(c.args) == 0
}

// With returns a builder seeded with this command's arguments.
func (c Command) With() *CmdBuilder {
	return &CmdBuilder{args: append([]string{}, c.args...)}
}

// Param is a pre-split command fragment that may contain a {model},
// {prompt}, {workdir} or {session} placeholder.
type Param struct {
	args []string
}

// NewParam creates a Param from the given arguments.
func NewParam(args ...string) Param {
	return Param{args: append([]string{}, args...)}
}

// IsEmpty reports whether the param has no arguments.
func (p Param) IsEmpty() bool { return len(p.args) == 0 }

// CmdBuilder constructs command lines with a fluent API.
type CmdBuilder struct {
	args []string
}

// Cmd starts building a command from a base command and arguments.
func Cmd(base ...string) *CmdBuilder {
	return &CmdBuilder{args: append([]string{}, base...)}
}

// Model appends flag with {model} substituted, unless model is empty or
// "default".
func (b *CmdBuilder) Model(flag Param, model string) *CmdBuilder {
	if flag.IsEmpty() || model == "" || model == "default" {
		return b
	}
	return b.expand(flag, "{model}", model)
}

// Prompt appends the prompt through flag, or as a positional argument when
// flag is empty.
func (b *CmdBuilder) Prompt(flag Param, prompt string) *CmdBuilder {
	if prompt == "" {
		return b
	}
	if flag.IsEmpty() {
		b.args = append(b.args, prompt)
		return b
	}
	return b.expand(flag, "{prompt}", prompt)
}

// Workdir appends flag with {workdir} substituted.
func (b *CmdBuilder) Workdir(flag Param, dir string) *CmdBuilder {
	if flag.IsEmpty() || dir == "" {
		return b
	}
	return b.expand(flag, "{workdir}", dir)
}

// Resume appends flag with {session} substituted, unless sessionID is empty.
func (b *CmdBuilder) Resume(flag Param, sessionID string) *CmdBuilder {
	if flag.IsEmpty() || sessionID == "" {
		return b
	}
	return b.expand(flag, "{session}", sessionID)
}

// Flag appends arbitrary arguments.
func (b *CmdBuilder) Flag(parts ...string) *CmdBuilder {
	b.args = append(b.args, parts...)
	return b
}

// Build returns the final Command.
func (b *CmdBuilder) Build() Command {
	return Command{args: b.args}
}

func (b *CmdBuilder) expand(p Param, placeholder, value string) *CmdBuilder {
	for _, arg := range p.args {
		b.args = append(b.args, strings.ReplaceAll(arg, placeholder, value))
	}
	return b
}
