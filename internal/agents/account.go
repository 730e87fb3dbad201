package agents

import (
	"fmt"

	"github.com/kandev/agentrun/internal/common/config"
)

// Account binds a name to a provider, a model and an optional config dir.
type Account struct {
	Name      string
	Provider  string
	Model     string
	ConfigDir string
}

// Accounts maps account names to accounts.
type Accounts map[string]Account

// AccountsFromConfig converts the accounts config section.
func AccountsFromConfig(cfg map[string]config.AccountConfig) Accounts {
	out := make(Accounts, len(cfg))
	for name, a := range cfg {
		out[name] = Account{
			Name:      name,
			Provider:  a.Provider,
			Model:     a.Model,
			ConfigDir: config.ExpandHome(a.ConfigDir),
		}
	}
	return out
}

// Resolve returns the named account. A name matching a provider in catalog
// resolves to an implicit account for that provider.
func (a Accounts) Resolve(name string, catalog *Catalog) (Account, error) {
	if acct, ok := a[name]; ok {
		return acct, nil
	}
	if name != "" && catalog != nil && catalog.Has(name) {
		return Account{Name: name, Provider: name}, nil
	}
	return Account{}, fmt.Errorf("%w: %q", ErrUnknownAccount, name)
}
