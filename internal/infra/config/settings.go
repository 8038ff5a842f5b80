package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"sensei/internal/domain"
)

// Prompts maps a prompt key (e.g. "red_team", "router", "master") to its text.
type Prompts struct {
	Agents map[string]AgentPrompt `yaml:"agents"`
}

// AgentPrompt is one entry in the prompts file.
type AgentPrompt struct {
	Prompt string `yaml:"prompt"`
}

// Get returns the prompt stored under key, or def when absent or blank.
// A nil *Prompts behaves as an empty file.
func (p *Prompts) Get(key, def string) string {
	if p == nil {
		return def
	}
	if a, ok := p.Agents[key]; ok && strings.TrimSpace(a.Prompt) != "" {
		return a.Prompt
	}
	return def
}

// LoadPrompts reads the YAML prompts file at path.
func LoadPrompts(path string) (*Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.LoadPrompts", domain.ErrConfigLoad,
			fmt.Sprintf("open prompts file %q: %v", path, err))
	}
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, domain.NewDomainError("config.LoadPrompts", domain.ErrConfigLoad,
			fmt.Sprintf("parse YAML: %v", err))
	}
	return &p, nil
}

// MCPSettings is the tool-provider settings file.
type MCPSettings struct {
	Servers map[string]MCPServer `json:"mcpServers"`
}

// MCPServer describes how to launch one tool-provider process.
type MCPServer struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// Enabled returns the names of servers that are not disabled, sorted.
func (s *MCPSettings) Enabled() []string {
	names := make([]string, 0, len(s.Servers))
	for name, srv := range s.Servers {
		if !srv.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadMCPSettings reads the JSON tool-provider settings file at path.
func LoadMCPSettings(path string) (*MCPSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.LoadMCPSettings", domain.ErrConfigLoad,
			fmt.Sprintf("open MCP settings %q: %v", path, err))
	}
	var s MCPSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, domain.NewDomainError("config.LoadMCPSettings", domain.ErrConfigLoad,
			fmt.Sprintf("parse MCP JSON: %v", err))
	}
	for name, srv := range s.Servers {
		if strings.TrimSpace(name) == "" || srv.Command == "" {
			return nil, domain.NewDomainError("config.LoadMCPSettings", domain.ErrConfigLoad,
				fmt.Sprintf("server %q: command must not be empty", name))
		}
	}
	if s.Servers == nil {
		s.Servers = map[string]MCPServer{}
	}
	return &s, nil
}
