package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ApprovalSettings struct {
	Timeout   Duration `yaml:"timeout"`
	Retention Duration `yaml:"retention"`
}

type RetrievalSettings struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	MaxResults          int      `yaml:"max_results"`
	MaxAttempts         int      `yaml:"max_attempts"`
	BackoffInitial      Duration `yaml:"backoff_initial"`
	BackoffMax          Duration `yaml:"backoff_max"`
}

type RedactionPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type RedactionSettings struct {
	ExtraPatterns []RedactionPattern `yaml:"extra_patterns"`
}

// BrokerSettings are the tunables read from config/broker.yaml.
type BrokerSettings struct {
	Approval  ApprovalSettings  `yaml:"approval"`
	Retrieval RetrievalSettings `yaml:"retrieval"`
	Redaction RedactionSettings `yaml:"redaction"`
}

// DefaultBrokerSettings returns the built-in tunables.
func DefaultBrokerSettings() *BrokerSettings {
	return &BrokerSettings{
		Approval: ApprovalSettings{
			Timeout:   Duration(30 * time.Second),
			Retention: Duration(10 * time.Minute),
		},
		Retrieval: RetrievalSettings{
			SimilarityThreshold: 0.7,
			MaxResults:          5,
			MaxAttempts:         3,
			BackoffInitial:      Duration(100 * time.Millisecond),
			BackoffMax:          Duration(2 * time.Second),
		},
	}
}

// LoadBrokerSettings loads a YAML settings file; returns defaults plus an error
// when the file is missing or invalid.
func LoadBrokerSettings(path string) (*BrokerSettings, error) {
	if path == "" {
		return DefaultBrokerSettings(), nil
	}
	// #nosec G304 -- settings path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultBrokerSettings(), fmt.Errorf("read broker settings: %w", err)
	}
	return ParseBrokerSettings(data)
}

// ParseBrokerSettings parses settings from YAML/JSON bytes over the defaults,
// so absent keys keep their default and explicit zeros are honoured.
func ParseBrokerSettings(data []byte) (*BrokerSettings, error) {
	if len(data) == 0 {
		return DefaultBrokerSettings(), nil
	}
	if err := validateConfigSchema("broker settings", brokerSchemaFile, data); err != nil {
		return DefaultBrokerSettings(), err
	}
	cfg := DefaultBrokerSettings()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultBrokerSettings(), fmt.Errorf("parse broker settings: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (s *BrokerSettings) fillDefaults() {
	def := DefaultBrokerSettings()
	if s.Approval.Timeout <= 0 {
		s.Approval.Timeout = def.Approval.Timeout
	}
	if s.Approval.Retention <= 0 {
		s.Approval.Retention = def.Approval.Retention
	}
	r := &s.Retrieval
	if r.MaxResults <= 0 {
		r.MaxResults = def.Retrieval.MaxResults
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.Retrieval.MaxAttempts
	}
	if r.BackoffInitial <= 0 {
		r.BackoffInitial = def.Retrieval.BackoffInitial
	}
	if r.BackoffMax <= 0 {
		r.BackoffMax = def.Retrieval.BackoffMax
	}
}
