// Package config loads the gas station's YAML configuration file and
// layers environment variables on top, using a default-then-file
// precedence (cmd/ranger/config.go, cmd/kcn/main.go). The only CLI flag
// is the config file path; no flag overrides individual config values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/iotaledger/gas-station/internal/log"
)

var logger = log.NewModuleLogger(log.Config)

// SignerConfig selects between an in-process keypair and a remote
// sidecar signer. Exactly one of Local/Sidecar should be set.
type SignerConfig struct {
	Local struct {
		Keypair string `yaml:"keypair"`
	} `yaml:"local"`
	Sidecar struct {
		SidecarURL string `yaml:"sidecar-url"`
	} `yaml:"sidecar"`
}

// CoinInitConfig controls the initializer/replenisher (C4).
type CoinInitConfig struct {
	TargetInitBalance  uint64 `yaml:"target-init-balance"`
	RefreshIntervalSec uint64 `yaml:"refresh-interval-sec"`
}

// StorageConfig selects the keyed store backend.
type StorageConfig struct {
	Redis struct {
		RedisURL string `yaml:"redis_url"`
	} `yaml:"redis"`
}

// AccessControllerConfig is the ordered rule list plus default policy
// consumed by internal/access.
type AccessControllerConfig struct {
	AccessPolicy string     `yaml:"access-policy"` // disabled | allow-all | deny-all
	Rules        []RuleSpec `yaml:"rules"`
}

// RuleSpec is the YAML shape of a single access-controller rule (spec.md
// §4.6). Action distinguishes allow/deny/hook as a plain string: "allow",
// "deny", or any other non-empty value as a hook URL. An empty Action is
// rejected when the rule is evaluated.
type RuleSpec struct {
	SenderAddress       *StringSetTerm `yaml:"sender-address,omitempty"`
	GasBudget           *CompareTerm   `yaml:"gas-budget,omitempty"`
	MoveCallPackageAddr *StringSetTerm `yaml:"move-call-package-address,omitempty"`
	PTBCommandCount     *CompareTerm   `yaml:"ptb-command-count,omitempty"`
	RegoExpression      *RegoTerm      `yaml:"rego-expression,omitempty"`
	GasUsage            *GasUsageTerm  `yaml:"gas-usage,omitempty"`
	Action              string         `yaml:"action"` // "allow" | "deny" | a URL
}

// StringSetTerm matches by equality, by membership in a set, or by "*".
type StringSetTerm struct {
	Values []string `yaml:"values"`
}

// CompareTerm is a comparator ("=","!=","<","<=",">",">=") against a
// literal numeric value.
type CompareTerm struct {
	Comparator string `yaml:"comparator"`
	Value      int64  `yaml:"value"`
}

// RegoTerm names a rule to evaluate and where its source comes from.
type RegoTerm struct {
	RuleName string `yaml:"rule-name"`
	Source   string `yaml:"source"` // static file path | store key | http(s) URL
}

// GasUsageTerm bounds gas usage over a moving window.
type GasUsageTerm struct {
	WindowSeconds int64  `yaml:"window-secs"`
	Comparator    string `yaml:"comparator"`
	Value         int64  `yaml:"value"`
	CountBy       string `yaml:"count-by"` // "" | "sender" | "move-call-target"
}

// Config is the full gas station configuration (spec.md §6).
type Config struct {
	SignerConfig     SignerConfig           `yaml:"signer-config"`
	RPCHostIP        string                 `yaml:"rpc-host-ip"`
	RPCPort          int                    `yaml:"rpc-port"`
	MetricsPort      int                    `yaml:"metrics-port"`
	StorageConfig    StorageConfig          `yaml:"storage-config"`
	FullnodeURL      string                 `yaml:"fullnode-url"`
	CoinInitConfig   CoinInitConfig         `yaml:"coin-init-config"`
	DailyGasUsageCap int64                  `yaml:"daily-gas-usage-cap"`
	AccessController AccessControllerConfig `yaml:"access-controller"`

	// Populated from the environment, never from YAML.
	AuthSecret      string `yaml:"-"`
	TransactionsLog bool   `yaml:"-"`
}

func defaults() Config {
	c := Config{
		RPCHostIP:   "0.0.0.0",
		RPCPort:     9527,
		MetricsPort: 9184,
	}
	c.CoinInitConfig.TargetInitBalance = 1_000_000_000
	c.CoinInitConfig.RefreshIntervalSec = 300
	c.AccessController.AccessPolicy = "allow-all"
	return c
}

// Load reads the YAML file at path, overlays it onto the defaults, and
// fills in auth/logging settings from the environment. A missing
// GAS_STATION_AUTH is a fatal config error (spec.md §6 exit code 1).
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file %q: %w", path, err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	secret, ok := os.LookupEnv("GAS_STATION_AUTH")
	if !ok || secret == "" {
		return nil, fmt.Errorf("GAS_STATION_AUTH is required")
	}
	cfg.AuthSecret = secret
	cfg.TransactionsLog = os.Getenv("TRANSACTIONS_LOGGING") != ""

	logger.Info("configuration loaded", "path", path, "rpc_port", cfg.RPCPort,
		"metrics_port", cfg.MetricsPort, "access_policy", cfg.AccessController.AccessPolicy)

	return &cfg, nil
}
