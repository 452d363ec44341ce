// Package config provides YAML-based configuration loading with environment
// variable expansion and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// RequiredLibraries are the logical libraries every deployment must map to a
// remote database id. The sync engine, context builder, and both suggestion
// task kinds assume these names exist.
var RequiredLibraries = []string{"resources", "concepts", "skills", "mindsets", "errors", "actions"}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Remote    RemoteConfig    `yaml:"remote"`
	Reasoner  ReasonerConfig  `yaml:"reasoner"`
	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// RemoteConfig describes the remote document store API.
type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
	PageSize int    `yaml:"page_size"`
	RetryMax int    `yaml:"retry_max"`
}

// ReasonerConfig describes the external reasoning service used to generate
// suggestions.
type ReasonerConfig struct {
	BaseURL             string  `yaml:"base_url"`
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`
	Temperature         float64 `yaml:"temperature"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	BatchLimit          int     `yaml:"batch_limit"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// SyncConfig controls the reconciliation engine.
type SyncConfig struct {
	// Libraries maps logical library names to remote database ids.
	Libraries          map[string]string `yaml:"libraries"`
	IncludeContent     bool              `yaml:"include_content"`
	ContentMaxChars    int               `yaml:"content_max_chars"`
	Workers            int               `yaml:"workers"`
	Incremental        bool              `yaml:"incremental"`
	ChangedEventDetail int               `yaml:"changed_event_detail"`
}

// KnowledgeConfig controls the knowledge-note task kind.
type KnowledgeConfig struct {
	MappingCSV string `yaml:"mapping_csv"`
	SourceDir  string `yaml:"source_dir"`
	DocMaxChars int   `yaml:"doc_max_chars"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4600},
		Remote: RemoteConfig{PageSize: 100, RetryMax: 5},
		Reasoner: ReasonerConfig{
			Temperature:         0.2,
			ConfidenceThreshold: 0.7,
			TimeoutSeconds:      60,
			BatchLimit:          3,
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Sync: SyncConfig{
			IncludeContent:     true,
			ContentMaxChars:    1600,
			Workers:            4,
			Incremental:        true,
			ChangedEventDetail: 200,
		},
		Knowledge: KnowledgeConfig{DocMaxChars: 20000},
		Log:       LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".docsync")
}

// Load reads the YAML config at path, expands ${ENV} references, applies
// defaults for unset fields, and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (Config, error) {
	cfg := defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that every field the pipeline depends on is present.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c.Remote,
		validation.Field(&c.Remote.BaseURL, validation.Required),
		validation.Field(&c.Remote.Token, validation.Required),
		validation.Field(&c.Remote.PageSize, validation.Min(1), validation.Max(100)),
	)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	err = validation.ValidateStruct(&c.Reasoner,
		validation.Field(&c.Reasoner.BaseURL, validation.Required),
		validation.Field(&c.Reasoner.Model, validation.Required),
		validation.Field(&c.Reasoner.ConfidenceThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Reasoner.BatchLimit, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("reasoner: %w", err)
	}
	err = validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Server.Token, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	var missing []string
	for _, name := range RequiredLibraries {
		if strings.TrimSpace(c.Sync.Libraries[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing library ids in config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LibraryID returns the remote database id for a logical library name.
func (c Config) LibraryID(name string) (string, bool) {
	id, ok := c.Sync.Libraries[name]
	return id, ok
}
