package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Providers  []ProviderConfig `json:"providers"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Database   DatabaseConfig   `json:"database"`
	Gateway    GatewayConfig    `json:"gateway"`
	Memory     MemoryConfig     `json:"memory"`
	Graph      GraphConfig      `json:"graph"`
	Reflection ReflectionConfig `json:"reflection"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "openai" | "anthropic"
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	Role     string `json:"role"` // "primary" | "backup" | "concepts"

	TimeoutSeconds float64 `json:"timeout_seconds"`
	RateLimitRPS   float64 `json:"rate_limit_rps"`
}

type EmbeddingConfig struct {
	Provider       string  `json:"provider"` // "api" or "local"
	Endpoint       string  `json:"endpoint"`
	Model          string  `json:"model"`
	APIKey         string  `json:"api_key"`
	Dimension      int     `json:"dimension"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type GatewayConfig struct {
	Telegram TelegramGatewayConfig `json:"telegram"`
	Discord  DiscordGatewayConfig  `json:"discord"`
	Slack    SlackGatewayConfig    `json:"slack"`
}

type TelegramGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// MemoryConfig controls the foreground retrieval path.
type MemoryConfig struct {
	DialogueResults  int `json:"dialogue_results"`  // dialogue memories per turn
	ThoughtResults   int `json:"thought_results"`   // internal thoughts per turn
	ConceptNeighbors int `json:"concept_neighbors"` // fact neighborhood size for asset linking
	HistoryLimit     int `json:"history_limit"`     // recent session turns fed to the chat model

	AssociativeThreshold float64 `json:"associative_threshold"` // min fact similarity for a graph edge
}

// GraphConfig controls knowledge graph decay and persistence.
type GraphConfig struct {
	Path                 string  `json:"path"`
	SaveIntervalSeconds  int     `json:"save_interval_seconds"`
	DecayIntervalSeconds int     `json:"decay_interval_seconds"`
	DecayFactor          float64 `json:"decay_factor"`
	DecayThreshold       float64 `json:"decay_threshold"`
	PageRankAlpha        float64 `json:"pagerank_alpha"`
	PageRankIterations   int     `json:"pagerank_iterations"`
}

// ReflectionConfig controls the background consolidation loop.
type ReflectionConfig struct {
	IntervalSeconds      int     `json:"interval_seconds"`
	MinAccessCount       int     `json:"min_access_count"`
	ClusterSize          int     `json:"cluster_size"`
	DecayFactor          float64 `json:"decay_factor"`
	ReinforceAmount      float64 `json:"reinforce_amount"`
	ShutdownGraceSeconds int     `json:"shutdown_grace_seconds"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references,
// applies defaults and validates the ranges the core treats as startup errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the defaults the original deployment used.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Memory.DialogueResults == 0 {
		c.Memory.DialogueResults = 5
	}
	if c.Memory.ThoughtResults == 0 {
		c.Memory.ThoughtResults = 2
	}
	if c.Memory.ConceptNeighbors == 0 {
		c.Memory.ConceptNeighbors = 10
	}
	if c.Memory.HistoryLimit == 0 {
		c.Memory.HistoryLimit = 20
	}
	if c.Memory.AssociativeThreshold == 0 {
		c.Memory.AssociativeThreshold = 0.78
	}
	if c.Graph.Path == "" {
		c.Graph.Path = "data/mind_graph.json"
	}
	if c.Graph.SaveIntervalSeconds == 0 {
		c.Graph.SaveIntervalSeconds = 600
	}
	if c.Graph.DecayIntervalSeconds == 0 {
		c.Graph.DecayIntervalSeconds = 3600
	}
	if c.Graph.DecayFactor == 0 {
		c.Graph.DecayFactor = 0.995
	}
	if c.Graph.DecayThreshold == 0 {
		c.Graph.DecayThreshold = 0.01
	}
	if c.Graph.PageRankAlpha == 0 {
		c.Graph.PageRankAlpha = 0.85
	}
	if c.Graph.PageRankIterations == 0 {
		c.Graph.PageRankIterations = 50
	}
	if c.Reflection.IntervalSeconds == 0 {
		c.Reflection.IntervalSeconds = 300
	}
	if c.Reflection.ClusterSize == 0 {
		c.Reflection.ClusterSize = 5
	}
	if c.Reflection.DecayFactor == 0 {
		c.Reflection.DecayFactor = 0.5
	}
	if c.Reflection.ReinforceAmount == 0 {
		c.Reflection.ReinforceAmount = 0.1
	}
	if c.Reflection.ShutdownGraceSeconds == 0 {
		c.Reflection.ShutdownGraceSeconds = 30
	}
}

// Validate rejects out-of-range values at startup. The core never re-checks
// these at runtime.
func (c *Config) Validate() error {
	if c.Graph.DecayFactor <= 0 || c.Graph.DecayFactor >= 1 {
		return fmt.Errorf("graph.decay_factor must be in (0,1), got %v", c.Graph.DecayFactor)
	}
	if c.Graph.DecayThreshold < 0 {
		return fmt.Errorf("graph.decay_threshold must be >= 0, got %v", c.Graph.DecayThreshold)
	}
	if c.Graph.PageRankAlpha <= 0 || c.Graph.PageRankAlpha >= 1 {
		return fmt.Errorf("graph.pagerank_alpha must be in (0,1), got %v", c.Graph.PageRankAlpha)
	}
	if c.Reflection.IntervalSeconds <= 0 {
		return fmt.Errorf("reflection.interval_seconds must be > 0, got %d", c.Reflection.IntervalSeconds)
	}
	if c.Reflection.MinAccessCount < 0 {
		return fmt.Errorf("reflection.min_access_count must be >= 0, got %d", c.Reflection.MinAccessCount)
	}
	if c.Reflection.ClusterSize <= 0 {
		return fmt.Errorf("reflection.cluster_size must be > 0, got %d", c.Reflection.ClusterSize)
	}
	if c.Reflection.DecayFactor <= 0 || c.Reflection.DecayFactor >= 1 {
		return fmt.Errorf("reflection.decay_factor must be in (0,1), got %v", c.Reflection.DecayFactor)
	}
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding.dimension must be >= 0, got %d", c.Embedding.Dimension)
	}
	for _, p := range c.Providers {
		if p.Type != "openai" && p.Type != "anthropic" {
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	return nil
}
