package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Chain     ChainConfig     `yaml:"chain"`
	Provision ProvisionConfig `yaml:"provision"`
	Teller    TellerConfig    `yaml:"teller"`
	Tiers     []TierConfig    `yaml:"tiers"`
	GasBundle GasBundleConfig `yaml:"gas_bundle"`
	Referral  ReferralConfig  `yaml:"referral"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ChainConfig points the payment watcher at the chain RPC endpoint and the
// collection (Safe) address payments arrive on.
type ChainConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	SafeAddress  string `yaml:"safe_address"`
	USDCContract string `yaml:"usdc_contract"`
	USDCDecimals int32  `yaml:"usdc_decimals"`
}

type ProvisionConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TellerConfig struct {
	AgentName            string `yaml:"agent_name"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	CooldownSeconds      int    `yaml:"cooldown_seconds"`
	LookbackBlocks       uint64 `yaml:"lookback_blocks"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
}

// TierConfig describes one purchasable account tier. Tiers are an ordered
// list so the number of payment thresholds is configurable, not hard-coded.
type TierConfig struct {
	Name        string  `yaml:"name"`
	Price       float64 `yaml:"price"`
	Threshold   float64 `yaml:"threshold"`
	Rank        int     `yaml:"rank"`
	BaseGas     float64 `yaml:"base_gas"`
	PerChainGas float64 `yaml:"per_chain_gas"`
	NFTEntitled bool    `yaml:"nft_entitled"`
}

func (t TierConfig) PriceAmount() decimal.Decimal   { return decimal.NewFromFloat(t.Price) }
func (t TierConfig) BaseGasAmount() decimal.Decimal { return decimal.NewFromFloat(t.BaseGas) }
func (t TierConfig) PerChainAmount() decimal.Decimal {
	return decimal.NewFromFloat(t.PerChainGas)
}

type GasBundleConfig struct {
	Price    float64  `yaml:"price"`
	PerChain float64  `yaml:"per_chain"`
	Chains   []string `yaml:"chains"`
}

func (g GasBundleConfig) PriceAmount() decimal.Decimal    { return decimal.NewFromFloat(g.Price) }
func (g GasBundleConfig) PerChainAmount() decimal.Decimal { return decimal.NewFromFloat(g.PerChain) }

type ReferralConfig struct {
	Percent float64          `yaml:"percent"`
	Cap     int64            `yaml:"cap"`
	Points  map[string]int64 `yaml:"points"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if key := os.Getenv("PROVISION_API_KEY"); key != "" {
		cfg.Provision.APIKey = key
	}
	if safe := os.Getenv("SAFE_ADDRESS"); safe != "" {
		cfg.Chain.SafeAddress = safe
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	// highest threshold first, so classification takes a single pass
	sort.Slice(cfg.Tiers, func(i, j int) bool {
		return cfg.Tiers[i].Threshold > cfg.Tiers[j].Threshold
	})
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("config: at least one tier required")
	}
	seen := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("config: tier with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate tier %q", t.Name)
		}
		seen[t.Name] = true
	}
	if c.Chain.SafeAddress == "" {
		return fmt.Errorf("config: chain.safe_address required")
	}
	return nil
}

// TierByName resolves a configured tier.
func (c *Config) TierByName(name string) (TierConfig, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierConfig{}, false
}

// ClassifyTier maps a payment amount onto the highest tier whose threshold it
// meets. Returns false for amounts below every threshold.
func (c *Config) ClassifyTier(amount decimal.Decimal) (TierConfig, bool) {
	for _, t := range c.Tiers {
		if amount.GreaterThanOrEqual(decimal.NewFromFloat(t.Threshold)) {
			return t, true
		}
	}
	return TierConfig{}, false
}

// RankOf returns the queue priority rank for a tier name. Unknown tiers
// (including the standalone gas_bundle add-on) rank with regular.
func (c *Config) RankOf(tier string) int {
	if t, ok := c.TierByName(tier); ok {
		return t.Rank
	}
	return 1
}
