// Package config provides configuration loading for lumen.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the lumen daemon.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Server     ServerConfig     `koanf:"server"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Source     SourceConfig     `koanf:"source"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Anomaly    AnomalyConfig    `koanf:"anomaly"`
	Index      IndexConfig      `koanf:"index"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Generation GenerationConfig `koanf:"generation"`
	Store      StoreConfig      `koanf:"store"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// SchedulerConfig drives the ingestion polling loop.
type SchedulerConfig struct {
	// PollInterval is the delay between scheduled cycles.
	PollInterval Duration `koanf:"poll_interval"`
	// CycleTimeout bounds a single fetch-and-commit cycle.
	CycleTimeout Duration `koanf:"cycle_timeout"`
	// Lookback is how far back the first cycle searches for unread messages.
	Lookback Duration `koanf:"lookback"`
	// BatchSize caps messages fetched per cycle.
	BatchSize int `koanf:"batch_size"`
}

// SourceConfig configures the external message source client.
type SourceConfig struct {
	Provider          string   `koanf:"provider"`
	BaseURL           string   `koanf:"base_url"`
	Token             Secret   `koanf:"token"`
	Mailbox           string   `koanf:"mailbox"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Timeout           Duration `koanf:"timeout"`
}

// ExtractionConfig selects and tunes the candidate extractor.
type ExtractionConfig struct {
	// Provider is "heuristic" or "llm".
	Provider      string    `koanf:"provider"`
	MinConfidence float64   `koanf:"min_confidence"`
	LLM           LLMConfig `koanf:"llm"`
}

// LLMConfig holds settings shared by LLM-backed capabilities.
type LLMConfig struct {
	Model     string   `koanf:"model"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	MaxTokens int      `koanf:"max_tokens"`
	Timeout   Duration `koanf:"timeout"`
}

// AnomalyConfig tunes the two-stage anomaly scorer.
type AnomalyConfig struct {
	ZWarning           float64  `koanf:"z_warning"`
	ZCritical          float64  `koanf:"z_critical"`
	MinMerchantHistory int      `koanf:"min_merchant_history"`
	MinOwnerHistory    int      `koanf:"min_owner_history"`
	Trees              int      `koanf:"trees"`
	SampleSize         int      `koanf:"sample_size"`
	Threshold          float64  `koanf:"threshold"`
	ThresholdStep      float64  `koanf:"threshold_step"`
	RetrainWindow      Duration `koanf:"retrain_window"`
	RetrainInterval    Duration `koanf:"retrain_interval"`
	WatchlistTTL       Duration `koanf:"watchlist_ttl"`
}

// IndexConfig configures the per-owner vector index.
type IndexConfig struct {
	Path             string   `koanf:"path"`
	Compress         bool     `koanf:"compress"`
	VectorSize       int      `koanf:"vector_size"`
	RetryMax         int      `koanf:"retry_max"`
	RetryBaseBackoff Duration `koanf:"retry_base_backoff"`
	QueueSize        int      `koanf:"queue_size"`
	// SweepInterval is how often the indexer rescans the ledger for
	// committed transactions that never reached the index.
	SweepInterval Duration `koanf:"sweep_interval"`
}

// EmbeddingConfig configures the embedding capability client.
type EmbeddingConfig struct {
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
}

// GenerationConfig configures the answer-synthesis capability client.
type GenerationConfig struct {
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	MaxTokens         int      `koanf:"max_tokens"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// StoreConfig selects the durable persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`
	// Path is the sqlite database file. Ignored for the memory driver.
	Path string `koanf:"path"`
}

// RetrievalConfig tunes the query engine.
type RetrievalConfig struct {
	TopK       int      `koanf:"top_k"`
	SessionTTL Duration `koanf:"session_ttl"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9180
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = Duration(30 * time.Second)
	}
	if c.Scheduler.CycleTimeout == 0 {
		c.Scheduler.CycleTimeout = Duration(2 * time.Minute)
	}
	if c.Scheduler.Lookback == 0 {
		c.Scheduler.Lookback = Duration(7 * 24 * time.Hour)
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 50
	}
	if c.Source.Provider == "" {
		c.Source.Provider = "mailgw"
	}
	if c.Source.RequestsPerSecond == 0 {
		c.Source.RequestsPerSecond = 2
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = Duration(30 * time.Second)
	}
	if c.Extraction.Provider == "" {
		c.Extraction.Provider = "heuristic"
	}
	if c.Extraction.MinConfidence == 0 {
		c.Extraction.MinConfidence = 0.5
	}
	if c.Anomaly.ZWarning == 0 {
		c.Anomaly.ZWarning = 3
	}
	if c.Anomaly.ZCritical == 0 {
		c.Anomaly.ZCritical = 6
	}
	if c.Anomaly.MinMerchantHistory == 0 {
		c.Anomaly.MinMerchantHistory = 5
	}
	if c.Anomaly.MinOwnerHistory == 0 {
		c.Anomaly.MinOwnerHistory = 20
	}
	if c.Anomaly.Trees == 0 {
		c.Anomaly.Trees = 100
	}
	if c.Anomaly.SampleSize == 0 {
		c.Anomaly.SampleSize = 256
	}
	if c.Anomaly.Threshold == 0 {
		c.Anomaly.Threshold = 0.62
	}
	if c.Anomaly.ThresholdStep == 0 {
		c.Anomaly.ThresholdStep = 0.02
	}
	if c.Anomaly.RetrainWindow == 0 {
		c.Anomaly.RetrainWindow = Duration(90 * 24 * time.Hour)
	}
	if c.Anomaly.RetrainInterval == 0 {
		c.Anomaly.RetrainInterval = Duration(24 * time.Hour)
	}
	if c.Anomaly.WatchlistTTL == 0 {
		c.Anomaly.WatchlistTTL = Duration(30 * 24 * time.Hour)
	}
	if c.Index.Path == "" {
		c.Index.Path = "~/.local/share/lumen/index"
	}
	if c.Index.VectorSize == 0 {
		c.Index.VectorSize = 384
	}
	if c.Index.RetryMax == 0 {
		c.Index.RetryMax = 8
	}
	if c.Index.RetryBaseBackoff == 0 {
		c.Index.RetryBaseBackoff = Duration(time.Second)
	}
	if c.Index.QueueSize == 0 {
		c.Index.QueueSize = 1024
	}
	if c.Index.SweepInterval == 0 {
		c.Index.SweepInterval = Duration(10 * time.Minute)
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:8080"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = Duration(30 * time.Second)
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 1024
	}
	if c.Generation.Timeout == 0 {
		c.Generation.Timeout = Duration(60 * time.Second)
	}
	if c.Generation.RequestsPerSecond == 0 {
		c.Generation.RequestsPerSecond = 1
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "~/.local/share/lumen/lumen.db"
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 10
	}
	if c.Retrieval.SessionTTL == 0 {
		c.Retrieval.SessionTTL = Duration(30 * time.Minute)
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Scheduler.PollInterval.Duration() < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		return fmt.Errorf("extraction.min_confidence must be in [0,1]")
	}
	if c.Anomaly.ZCritical <= c.Anomaly.ZWarning {
		return fmt.Errorf("anomaly.z_critical must exceed anomaly.z_warning")
	}
	if c.Anomaly.Threshold <= 0 || c.Anomaly.Threshold >= 1 {
		return fmt.Errorf("anomaly.threshold must be in (0,1)")
	}
	if c.Index.VectorSize <= 0 {
		return fmt.Errorf("index.vector_size must be positive")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	return nil
}
