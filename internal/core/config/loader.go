package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/hausnet/linkguard/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}
	seen := make(map[domain.EndpointID]bool)
	for _, ep := range c.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoint without id")
		}
		if seen[ep.ID] {
			return fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
		if ep.Host == "" {
			return fmt.Errorf("endpoint %q has no host", ep.ID)
		}
		if ep.Kind != domain.KindXMLRPC && ep.Kind != domain.KindJSONRPC {
			return fmt.Errorf("endpoint %q has unknown kind %q", ep.ID, ep.Kind)
		}
	}
	if c.Primary != "" && !seen[c.Primary] {
		return fmt.Errorf("primary endpoint %q is not configured", c.Primary)
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = 30 * time.Second
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].CheckTimeout == 0 {
			c.Endpoints[i].CheckTimeout = 10 * time.Second
		}
	}
}
