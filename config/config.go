// Package config loads and validates the facilitator's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nexapay/x402-facilitator/types"
)

// Duration is a time.Duration that unmarshals from a TOML string like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root facilitator configuration.
type Config struct {
	Server ServerConfig
	EVM    []EVMChainConfig
	Tron   []TronChainConfig
}

type ServerConfig struct {
	Address           string
	BalancePollPeriod Duration
	KeyFile           string
}

// EVMChainConfig configures one EVM network the facilitator settles on.
// AccountAbstraction is optional; when set, settlement goes through an
// ERC-4337 bundler instead of a direct transaction.
type EVMChainConfig struct {
	Network            string // CAIP-2, e.g. "eip155:84532"
	RPCURL             string
	AccountAbstraction *AccountAbstractionConfig
}

type AccountAbstractionConfig struct {
	BundlerURL        string
	PaymasterURL      string
	PaymasterMode     string
	EntryPointVersion string
}

// TronChainConfig configures one TRON network.
type TronChainConfig struct {
	Network string // CAIP-2, e.g. "tron:nile"
	NodeURL string
}

func (c *ServerConfig) ValidateConfig() error {
	var err error
	if c.Address == "" {
		err = errors.Join(err, missing("Server.Address"))
	}
	if c.BalancePollPeriod < 0 {
		err = errors.Join(err, fmt.Errorf("Server.BalancePollPeriod: must not be negative"))
	}
	return err
}

func (c *EVMChainConfig) ValidateConfig() error {
	var err error
	if c.Network == "" {
		err = errors.Join(err, missing("EVM.Network"))
	} else if ns, _, parseErr := types.ParseNetwork(c.Network); parseErr != nil || ns != types.NamespaceEVM {
		err = errors.Join(err, fmt.Errorf("EVM.Network: %q is not an eip155 network", c.Network))
	}
	err = errors.Join(err, validURL("EVM.RPCURL", c.RPCURL))
	if aa := c.AccountAbstraction; aa != nil {
		err = errors.Join(err, validURL("EVM.AccountAbstraction.BundlerURL", aa.BundlerURL))
		if aa.PaymasterURL != "" {
			err = errors.Join(err, validURL("EVM.AccountAbstraction.PaymasterURL", aa.PaymasterURL))
		}
		switch aa.EntryPointVersion {
		case "", "0.6", "0.7":
		default:
			err = errors.Join(err, fmt.Errorf("EVM.AccountAbstraction.EntryPointVersion: unknown version %q", aa.EntryPointVersion))
		}
	}
	return err
}

func (c *TronChainConfig) ValidateConfig() error {
	var err error
	if c.Network == "" {
		err = errors.Join(err, missing("Tron.Network"))
	} else if ns, _, parseErr := types.ParseNetwork(c.Network); parseErr != nil || ns != types.NamespaceTron {
		err = errors.Join(err, fmt.Errorf("Tron.Network: %q is not a tron network", c.Network))
	}
	err = errors.Join(err, validURL("Tron.NodeURL", c.NodeURL))
	return err
}

func (c *Config) ValidateConfig() error {
	err := c.Server.ValidateConfig()
	if len(c.EVM) == 0 && len(c.Tron) == 0 {
		err = errors.Join(err, errors.New("at least one EVM or Tron chain must be configured"))
	}
	seen := map[string]bool{}
	for i := range c.EVM {
		err = errors.Join(err, c.EVM[i].ValidateConfig())
		err = errors.Join(err, unique(seen, c.EVM[i].Network))
	}
	for i := range c.Tron {
		err = errors.Join(err, c.Tron[i].ValidateConfig())
		err = errors.Join(err, unique(seen, c.Tron[i].Network))
	}
	return err
}

// Defaults returns a config with server defaults applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Address:           ":8402",
			BalancePollPeriod: Duration(30 * time.Second),
		},
	}
}

// Load reads, decodes, and validates a TOML config, applying defaults for
// unset server fields.
func Load(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads a TOML config from path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func missing(name string) error {
	return fmt.Errorf("%s: missing required field", name)
}

func validURL(name, raw string) error {
	if raw == "" {
		return missing(name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %q is not a valid URL", name, raw)
	}
	return nil
}

func unique(seen map[string]bool, network string) error {
	key := types.NormalizeNetwork(network)
	if seen[key] {
		return fmt.Errorf("duplicate chain config for network %s", key)
	}
	seen[key] = true
	return nil
}
