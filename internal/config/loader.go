package config

import (
	"fmt"
	"os"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration document from disk. The file is parsed as
// JSON5 (strict JSON is a subset) after environment variable expansion,
// so documents may reference ${OPENAI_API_KEY} instead of inlining keys.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes a configuration document from bytes, applies defaults for
// omitted settings, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Settings: DefaultSettings()}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApprovalOverlay is an optional operator-managed policy file layered on
// top of supervised mode. Tools matched by AlwaysAllow never prompt;
// tools matched by AlwaysDeny are rejected without prompting.
type ApprovalOverlay struct {
	AlwaysAllow []string `yaml:"always_allow"`
	AlwaysDeny  []string `yaml:"always_deny"`
}

// LoadApprovalOverlay reads the YAML approval overlay. A missing file is
// not an error; it yields an empty overlay.
func LoadApprovalOverlay(path string) (*ApprovalOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ApprovalOverlay{}, nil
		}
		return nil, err
	}
	overlay := &ApprovalOverlay{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, fmt.Errorf("parse approval overlay: %w", err)
	}
	return overlay, nil
}
