// Package config provides the layered configuration loader for BCAI
// nodes: YAML files merged with environment-specific overrides and
// BCAI_*-prefixed environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/jtrefon/bcai/pkg/utils"
)

// Config mirrors the YAML files under cmd/config and the enumerated
// configuration surface of the node.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`

	Chunks struct {
		ChunkSizeBytes     uint32 `mapstructure:"chunk_size_bytes" json:"chunk_size_bytes"`
		StoreCapacityBytes uint64 `mapstructure:"store_capacity_bytes" json:"store_capacity_bytes"`
		Dir                string `mapstructure:"dir" json:"dir"`
	} `mapstructure:"chunks" json:"chunks"`

	Transfer struct {
		MaxConcurrent     int     `mapstructure:"max_concurrent" json:"max_concurrent"`
		PerPeerPipeline   int     `mapstructure:"per_peer_pipeline_depth" json:"per_peer_pipeline_depth"`
		ChunkTimeoutMS    uint64  `mapstructure:"chunk_timeout_ms" json:"chunk_timeout_ms"`
		TransferTimeoutMS uint64  `mapstructure:"transfer_timeout_ms" json:"transfer_timeout_ms"`
		RetryBaseMS       uint64  `mapstructure:"retry_base_ms" json:"retry_base_ms"`
		RetryMultiplier   float64 `mapstructure:"retry_multiplier" json:"retry_multiplier"`
		RetryMaxDelayMS   uint64  `mapstructure:"retry_max_delay_ms" json:"retry_max_delay_ms"`
		RetryMaxAttempts  int     `mapstructure:"retry_max_attempts" json:"retry_max_attempts"`
		UploadRate        uint64  `mapstructure:"upload_rate" json:"upload_rate"`
		DownloadRate      uint64  `mapstructure:"download_rate" json:"download_rate"`
	} `mapstructure:"transfer" json:"transfer"`

	Registry struct {
		DefaultCopies    uint8 `mapstructure:"default_copies" json:"default_copies"`
		DefaultGeoSpread bool  `mapstructure:"default_geo_spread" json:"default_geo_spread"`
	} `mapstructure:"registry" json:"registry"`

	Consensus struct {
		TargetBlockTimeMS   uint64  `mapstructure:"target_block_time_ms" json:"target_block_time_ms"`
		TargetSolveTimeMS   uint64  `mapstructure:"target_solve_time_ms" json:"target_solve_time_ms"`
		TargetAccuracy      float64 `mapstructure:"target_accuracy" json:"target_accuracy"`
		DifficultyWindow    int     `mapstructure:"difficulty_window" json:"difficulty_window"`
		DifficultyClamp     uint64  `mapstructure:"difficulty_clamp" json:"difficulty_clamp"`
		InitialTargetHex    string  `mapstructure:"initial_target_hex" json:"initial_target_hex"`
		MinStake            uint64  `mapstructure:"min_stake" json:"min_stake"`
		CommitteeSize       uint32  `mapstructure:"committee_size" json:"committee_size"`
		QuorumNumerator     uint32  `mapstructure:"quorum_numerator" json:"quorum_numerator"`
		QuorumDenominator   uint32  `mapstructure:"quorum_denominator" json:"quorum_denominator"`
		RoundTimeoutHeights uint64  `mapstructure:"round_timeout_heights" json:"round_timeout_heights"`
		MaxRounds           uint32  `mapstructure:"max_rounds" json:"max_rounds"`
		UnbondingHeights    uint64  `mapstructure:"unbonding_period_heights" json:"unbonding_period_heights"`
		SlashInitial        float64 `mapstructure:"slash_initial" json:"slash_initial"`
		SlashEscalation     float64 `mapstructure:"slash_escalation" json:"slash_escalation"`
		SlashEquivocation   float64 `mapstructure:"slash_equivocation" json:"slash_equivocation"`
		SlashBurn           bool    `mapstructure:"slash_burn" json:"slash_burn"`
	} `mapstructure:"consensus" json:"consensus"`

	Rewards struct {
		Worker    float64 `mapstructure:"worker" json:"worker"`
		Evaluator float64 `mapstructure:"evaluator" json:"evaluator"`
		Protocol  float64 `mapstructure:"protocol" json:"protocol"`
	} `mapstructure:"rewards" json:"rewards"`

	API struct {
		ListenAddr     string `mapstructure:"listen_addr" json:"listen_addr"`
		MetricsEnabled bool   `mapstructure:"metrics_enabled" json:"metrics_enabled"`
	} `mapstructure:"api" json:"api"`

	Logging struct {
		Level  string `mapstructure:"level" json:"level"`
		Format string `mapstructure:"format" json:"format"`
	} `mapstructure:"logging" json:"logging"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`
}

// Load reads the default configuration file, merges an environment-specific
// override when env is non-empty, and applies BCAI_* environment variables.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("BCAI")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}
	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/9400")
	viper.SetDefault("network.discovery_tag", "bcai")
	viper.SetDefault("chunks.chunk_size_bytes", 2<<20)
	viper.SetDefault("chunks.store_capacity_bytes", 8<<30)
	viper.SetDefault("chunks.dir", "data/chunks")
	viper.SetDefault("transfer.max_concurrent", 8)
	viper.SetDefault("transfer.per_peer_pipeline_depth", 16)
	viper.SetDefault("transfer.chunk_timeout_ms", 20_000)
	viper.SetDefault("transfer.transfer_timeout_ms", 1_800_000)
	viper.SetDefault("transfer.retry_base_ms", 500)
	viper.SetDefault("transfer.retry_multiplier", 2.0)
	viper.SetDefault("transfer.retry_max_delay_ms", 30_000)
	viper.SetDefault("transfer.retry_max_attempts", 6)
	viper.SetDefault("registry.default_copies", 3)
	viper.SetDefault("consensus.target_block_time_ms", 15_000)
	viper.SetDefault("consensus.target_solve_time_ms", 10_000)
	viper.SetDefault("consensus.target_accuracy", 0.9)
	viper.SetDefault("consensus.difficulty_window", 2048)
	viper.SetDefault("consensus.difficulty_clamp", 4)
	viper.SetDefault("consensus.initial_target_hex",
		"00ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	viper.SetDefault("consensus.min_stake", 1_000)
	viper.SetDefault("consensus.committee_size", 5)
	viper.SetDefault("consensus.quorum_numerator", 2)
	viper.SetDefault("consensus.quorum_denominator", 3)
	viper.SetDefault("consensus.round_timeout_heights", 32)
	viper.SetDefault("consensus.max_rounds", 3)
	viper.SetDefault("consensus.unbonding_period_heights", 4096)
	viper.SetDefault("consensus.slash_initial", 0.01)
	viper.SetDefault("consensus.slash_escalation", 0.05)
	viper.SetDefault("consensus.slash_equivocation", 1.0)
	viper.SetDefault("rewards.worker", 0.85)
	viper.SetDefault("rewards.evaluator", 0.10)
	viper.SetDefault("rewards.protocol", 0.05)
	viper.SetDefault("api.listen_addr", ":9401")
	viper.SetDefault("api.metrics_enabled", true)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("storage.data_dir", "data")
}

// Validate enforces the cross-field constraints the node relies on.
func (c *Config) Validate() error {
	const mib = 1 << 20
	if c.Chunks.ChunkSizeBytes < mib || c.Chunks.ChunkSizeBytes > 4*mib {
		return fmt.Errorf("chunk_size_bytes %d outside [1 MiB, 4 MiB]", c.Chunks.ChunkSizeBytes)
	}
	sum := c.Rewards.Worker + c.Rewards.Evaluator + c.Rewards.Protocol
	if sum < 0.9999 || sum > 1.0001 {
		return fmt.Errorf("reward shares sum to %.4f, want 1", sum)
	}
	q := float64(c.Consensus.QuorumNumerator) / float64(c.Consensus.QuorumDenominator)
	if q <= 0.5 || q > 1 {
		return fmt.Errorf("quorum fraction %.2f outside (1/2, 1]", q)
	}
	if c.Registry.DefaultCopies < 1 {
		return fmt.Errorf("registry default_copies must be ≥ 1")
	}
	return nil
}

// BasisPoints converts a [0,1] share to basis points.
func BasisPoints(share float64) uint32 {
	return uint32(share*10_000 + 0.5)
}
