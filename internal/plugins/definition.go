// Package plugins loads agent definitions from markdown files with YAML
// frontmatter. Each file describes one agent role: its system prompt, the
// toolset it may use, and the model tier it runs on. Definitions are
// declarative configuration, never runtime code.
package plugins

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// AgentDefinition is one parsed agent file. The markdown body becomes the
// system prompt; the frontmatter carries the metadata.
type AgentDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Tools       []string `yaml:"tools"`
	Triggers    []string `yaml:"triggers"`

	SystemPrompt string `yaml:"-"`
}

var frontmatterDelim = []byte("---\n")

// Parse splits a markdown document into YAML frontmatter and body.
func Parse(data []byte) (*AgentDefinition, error) {
	if !bytes.HasPrefix(data, frontmatterDelim) {
		return nil, fmt.Errorf("missing frontmatter: file must start with ---")
	}

	rest := data[len(frontmatterDelim):]
	end := bytes.Index(rest, frontmatterDelim)
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}

	var def AgentDefinition
	if err := yaml.Unmarshal(rest[:end], &def); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	def.SystemPrompt = string(bytes.TrimSpace(rest[end+len(frontmatterDelim):]))

	if def.Name == "" {
		return nil, fmt.Errorf("agent definition has no name")
	}
	if def.SystemPrompt == "" {
		return nil, fmt.Errorf("agent %s has an empty system prompt", def.Name)
	}
	return &def, nil
}
