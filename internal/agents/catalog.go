package agents

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Built-in provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderQwen      = "qwen"
	ProviderMistral   = "mistral"
	ProviderMock      = "mock"
)

// DefaultMockAgent is the mock agent binary looked up on PATH.
const DefaultMockAgent = "agentrun-mock-agent"

// Catalog holds the known providers.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewCatalog returns the built-in providers. mockAgent is the path of the
// mock agent binary; empty uses DefaultMockAgent.
func NewCatalog(mockAgent string) *Catalog {
	if mockAgent == "" {
		mockAgent = DefaultMockAgent
	}
	c := &Catalog{providers: make(map[string]Provider)}
	for _, p := range builtinProviders(mockAgent) {
		c.providers[p.Name] = p
	}
	return c
}

func builtinProviders(mockAgent string) []Provider {
	return []Provider{
		{
			Name:                 ProviderAnthropic,
			Command:              NewCommand("claude", "-p", "--verbose", "--output-format", "stream-json", "--permission-mode", "bypassPermissions"),
			PromptMode:           PromptArg,
			ModelFlag:            NewParam("--model", "{model}"),
			ResumeFlag:           NewParam("--resume", "{session}"),
			ConfigDirEnv:         "CLAUDE_CONFIG_DIR",
			StreamJSON:           true,
			SupportsContinuation: true,
		},
		{
			Name:         ProviderOpenAI,
			Command:      NewCommand("codex", "exec", "--dangerously-bypass-approvals-and-sandbox", "--skip-git-repo-check"),
			PromptMode:   PromptStdin,
			WorkdirFlag:  NewParam("-C", "{workdir}"),
			ModelFlag:    NewParam("-m", "{model}"),
			TrailingArgs: []string{"-"},
			ConfigDirEnv: "HOME",
			StdinPipe:    true,
		},
		{
			Name:       ProviderGemini,
			Command:    NewCommand("gemini", "-y"),
			PromptMode: PromptStdin,
			ModelFlag:  NewParam("-m", "{model}"),
		},
		{
			Name:       ProviderQwen,
			Command:    NewCommand("qwen", "-y", "--output-format", "stream-json"),
			PromptMode: PromptArg,
			PromptFlag: NewParam("-p", "{prompt}"),
			ModelFlag:  NewParam("-m", "{model}"),
			StreamJSON: true,
		},
		{
			Name:       ProviderMistral,
			Command:    NewCommand("vibe"),
			PromptMode: PromptStdin,
			ModelFlag:  NewParam("--model", "{model}"),
		},
		{
			Name:                 ProviderMock,
			Command:              NewCommand(mockAgent),
			PromptMode:           PromptArg,
			WorkdirFlag:          NewParam("--dir", "{workdir}"),
			ResumeFlag:           NewParam("--resume", "{session}"),
			StreamJSON:           true,
			SupportsContinuation: true,
		},
	}
}

// Has reports whether name is a configured provider.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// Lookup returns the provider for name. Unknown names fall back to running
// the name itself as the command with the prompt typed on stdin.
func (c *Catalog) Lookup(name string) Provider {
	c.mu.RLock()
	p, ok := c.providers[name]
	c.mu.RUnlock()
	if ok {
		return p.clone()
	}
	return Provider{Name: name, Command: NewCommand(name), PromptMode: PromptStdin}
}

// Register adds or replaces a provider.
func (c *Catalog) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name] = p.clone()
}

// Names returns the configured provider names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// providerFile is the YAML layout of a provider override file.
type providerFile struct {
	Providers map[string]providerOverride `yaml:"providers"`
}

type providerOverride struct {
	Command              []string          `yaml:"command"`
	PromptMode           PromptMode        `yaml:"promptMode"`
	PromptFlag           []string          `yaml:"promptFlag"`
	ModelFlag            []string          `yaml:"modelFlag"`
	WorkdirFlag          []string          `yaml:"workdirFlag"`
	ResumeFlag           []string          `yaml:"resumeFlag"`
	TrailingArgs         []string          `yaml:"trailingArgs"`
	ConfigDirEnv         string            `yaml:"configDirEnv"`
	Env                  map[string]string `yaml:"env"`
	StdinPipe            *bool             `yaml:"stdinPipe"`
	StreamJSON           *bool             `yaml:"streamJson"`
	SupportsContinuation *bool             `yaml:"supportsContinuation"`
}

// LoadFile applies provider overrides from a YAML file. Providers not yet
// known are added; set fields of known ones replace the built-in values.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Load(data)
}

// Load applies provider overrides from YAML content.
func (c *Catalog) Load(data []byte) error {
	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProviderFile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, o := range file.Providers {
		p, ok := c.providers[name]
		if !ok {
			if len(o.Command) == 0 {
				return fmt.Errorf("%w: provider %q needs a command", ErrInvalidProviderFile, name)
			}
			p = Provider{Name: name, PromptMode: PromptStdin}
		}
		if err := o.apply(&p); err != nil {
			return fmt.Errorf("%w: provider %q: %v", ErrInvalidProviderFile, name, err)
		}
		c.providers[name] = p
	}
	return nil
}

func (o providerOverride) apply(p *Provider) error {
	if len(o.Command) > 0 {
		p.Command = NewCommand(o.Command...)
	}
	switch o.PromptMode {
	case "":
	case PromptArg, PromptStdin:
		p.PromptMode = o.PromptMode
	default:
		return fmt.Errorf("unknown prompt mode %q", o.PromptMode)
	}
	if o.PromptFlag != nil {
		p.PromptFlag = NewParam(o.PromptFlag...)
	}
	if o.ModelFlag != nil {
		p.ModelFlag = NewParam(o.ModelFlag...)
	}
	if o.WorkdirFlag != nil {
		p.WorkdirFlag = NewParam(o.WorkdirFlag...)
	}
	if o.ResumeFlag != nil {
		p.ResumeFlag = NewParam(o.ResumeFlag...)
	}
	if o.TrailingArgs != nil {
		p.TrailingArgs = o.TrailingArgs
	}
	if o.ConfigDirEnv != "" {
		p.ConfigDirEnv = o.ConfigDirEnv
	}
	if o.Env != nil {
		p.Env = o.Env
	}
	if o.StdinPipe != nil {
		p.StdinPipe = *o.StdinPipe
	}
	if o.StreamJSON != nil {
		p.StreamJSON = *o.StreamJSON
	}
	if o.SupportsContinuation != nil {
		p.SupportsContinuation = *o.SupportsContinuation
	}
	return nil
}
