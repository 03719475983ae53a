package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/payperplay/autopower/internal/models"
)

// Servers is the table of managed backend servers, keyed by the name the
// proxy knows them by. It is read-only after loading.
type Servers struct {
	Entries map[string]models.ServerConfig `yaml:"servers"`

	// Extra headers sent with every panel request (e.g. for an auth proxy)
	CustomHeaders map[string]string `yaml:"customHeaders"`
}

// LoadServers reads the server table from a YAML file
func LoadServers(path string) (*Servers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}
	return ParseServers(data)
}

// ParseServers decodes a YAML server table
func ParseServers(data []byte) (*Servers, error) {
	s := &Servers{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse servers file: %w", err)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]models.ServerConfig)
	}
	for name, cfg := range s.Entries {
		cfg.Name = name
		s.Entries[name] = cfg
	}
	return s, nil
}

// Server returns the configuration of a managed server
func (s *Servers) Server(name string) (models.ServerConfig, bool) {
	cfg, ok := s.Entries[name]
	return cfg, ok
}

// Names returns every managed server name, sorted
func (s *Servers) Names() []string {
	names := make([]string, 0, len(s.Entries))
	for name := range s.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
