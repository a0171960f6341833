// Package config loads the optional YAML configuration file carrying the
// externally supplied values of the session flow: sampling settings, the
// heuristic token sets, and the softening word mapping.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mindframe/cbtcoach/internal/genai"
	"github.com/mindframe/cbtcoach/internal/tone"
)

// Config holds the tunable values consumed at startup. Every field has a
// default; a config file only needs to name the keys it overrides.
type Config struct {
	Model         string            `yaml:"model"`
	Temperature   float64           `yaml:"temperature"`
	Streaming     bool              `yaml:"streaming"`
	AckTokens     []string          `yaml:"ack_tokens"`
	DeclineTokens []string          `yaml:"decline_tokens"`
	Softening     map[string]string `yaml:"softening"`
}

// Default returns the built-in configuration.
func Default() Config {
	// Copy the softening map so file overrides never mutate the shared default.
	softening := make(map[string]string, len(tone.DefaultReplacements))
	for w, r := range tone.DefaultReplacements {
		softening[w] = r
	}
	return Config{
		Model:         genai.DefaultModel,
		Temperature:   genai.DefaultTemperature,
		Streaming:     true,
		AckTokens:     []string{"yes", "okay", "sure", "will", "got it", "thanks"},
		DeclineTokens: []string{"not", "don't", "dont", "no", "nah", "nothing", "else"},
		Softening:     softening,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged; a missing or malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		slog.Debug("config.Load: no config file specified, using defaults")
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Error("config.Load: failed to read config file", "path", path, "error", err)
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Error("config.Load: failed to parse config file", "path", path, "error", err)
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	slog.Info("config.Load: configuration loaded", "path", path, "model", cfg.Model, "streaming", cfg.Streaming)
	return cfg, nil
}
