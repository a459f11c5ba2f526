package config

import (
	"fmt"
	"strings"
)

// Config is the persisted user configuration document. The on-disk form
// is a single JSON document; see Load for parsing rules.
type Config struct {
	CurrentEndpoint string     `json:"currentEndpoint,omitempty"`
	CurrentModel    string     `json:"currentModel,omitempty"`
	Endpoints       []Endpoint `json:"endpoints"`
	Settings        Settings   `json:"settings"`
}

// Endpoint describes one OpenAI-compatible chat-completions endpoint.
type Endpoint struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	BaseURL string  `json:"baseUrl"`
	APIKey  string  `json:"apiKey,omitempty"`
	Models  []Model `json:"models"`
}

// Model describes one model served by an endpoint.
type Model struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MaxTokens    int    `json:"maxTokens"`
	Enabled      bool   `json:"enabled"`
	HealthStatus string `json:"healthStatus,omitempty"`
}

// Settings are user preferences that apply across sessions.
type Settings struct {
	// AutoApprove bypasses the supervised-mode approval gate.
	AutoApprove bool `json:"autoApprove"`

	DebugMode      bool    `json:"debugMode"`
	StreamResponse bool    `json:"streamResponse"`
	AutoSave       bool    `json:"autoSave"`
	MaxTokens      int     `json:"maxTokens"`
	Temperature    float64 `json:"temperature"`
}

// DefaultSettings returns the settings applied when the document omits them.
func DefaultSettings() Settings {
	return Settings{
		StreamResponse: true,
		AutoSave:       true,
		MaxTokens:      128000,
		Temperature:    0.7,
	}
}

// Validate checks structural consistency: unique endpoint ids, non-empty
// base URLs, and that currentEndpoint/currentModel (when set) resolve.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep.ID) == "" {
			return fmt.Errorf("endpoint %d: id is required", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("endpoint %q: duplicate id", ep.ID)
		}
		seen[ep.ID] = true
		if strings.TrimSpace(ep.BaseURL) == "" {
			return fmt.Errorf("endpoint %q: baseUrl is required", ep.ID)
		}
		modelSeen := make(map[string]bool, len(ep.Models))
		for j, m := range ep.Models {
			if strings.TrimSpace(m.ID) == "" {
				return fmt.Errorf("endpoint %q: model %d: id is required", ep.ID, j)
			}
			if modelSeen[m.ID] {
				return fmt.Errorf("endpoint %q: model %q: duplicate id", ep.ID, m.ID)
			}
			modelSeen[m.ID] = true
		}
	}

	if c.CurrentEndpoint != "" {
		ep := c.EndpointByID(c.CurrentEndpoint)
		if ep == nil {
			return fmt.Errorf("currentEndpoint %q does not match any endpoint", c.CurrentEndpoint)
		}
		if c.CurrentModel != "" && findModel(ep, c.CurrentModel) == nil {
			return fmt.Errorf("currentModel %q not served by endpoint %q", c.CurrentModel, c.CurrentEndpoint)
		}
	}

	if c.Settings.Temperature < 0 || c.Settings.Temperature > 2 {
		return fmt.Errorf("settings.temperature %v out of range [0, 2]", c.Settings.Temperature)
	}
	return nil
}

// EndpointByID returns the endpoint with the given id, or nil.
func (c *Config) EndpointByID(id string) *Endpoint {
	for i := range c.Endpoints {
		if c.Endpoints[i].ID == id {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// Active resolves the currently selected endpoint and model. When the
// document does not name them explicitly, the first endpoint and its
// first enabled model are used.
func (c *Config) Active() (*Endpoint, *Model, error) {
	var ep *Endpoint
	if c.CurrentEndpoint != "" {
		ep = c.EndpointByID(c.CurrentEndpoint)
	} else if len(c.Endpoints) > 0 {
		ep = &c.Endpoints[0]
	}
	if ep == nil {
		return nil, nil, fmt.Errorf("no endpoint configured")
	}

	if c.CurrentModel != "" {
		if m := findModel(ep, c.CurrentModel); m != nil {
			return ep, m, nil
		}
		return nil, nil, fmt.Errorf("model %q not served by endpoint %q", c.CurrentModel, ep.ID)
	}
	for i := range ep.Models {
		if ep.Models[i].Enabled {
			return ep, &ep.Models[i], nil
		}
	}
	return nil, nil, fmt.Errorf("endpoint %q has no enabled models", ep.ID)
}

func findModel(ep *Endpoint, id string) *Model {
	for i := range ep.Models {
		if ep.Models[i].ID == id {
			return &ep.Models[i]
		}
	}
	return nil
}
