// Package team loads and watches the team definition file: the members an
// orchestrated run may delegate to, their system prompts, and per-team
// orchestration limits.
package team

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"dominds/pkg/logger"
)

// Member is one agent definition in the team file.
type Member struct {
	AgentID      string   `yaml:"agentId"`
	Name         string   `yaml:"name,omitempty"`
	SystemPrompt string   `yaml:"systemPrompt"`
	Tools        []string `yaml:"tools,omitempty"`
	// FBREffort is the default fresh-boots round count; 0 disables FBR.
	FBREffort int    `yaml:"fbrEffort,omitempty"`
	Language  string `yaml:"language,omitempty"`
}

// Team is the parsed team definition.
type Team struct {
	WorkLanguage       string            `yaml:"workLanguage,omitempty"`
	SupportedLanguages []string          `yaml:"supportedLanguages,omitempty"`
	DiligencePushMax   int               `yaml:"diligencePushMax,omitempty"`
	Members            map[string]Member `yaml:"members"`
}

// Minds is the resolved generation context of one member: what the drive
// executor hands to the model layer.
type Minds struct {
	AgentID      string
	SystemPrompt string
	Tools        []string
	FBREffort    int
}

// Load parses a team file.
func Load(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team file: %w", err)
	}
	var t Team
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse team file %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("team file %s: %w", path, err)
	}
	for id, m := range t.Members {
		if m.AgentID == "" {
			m.AgentID = id
			t.Members[id] = m
		}
	}
	if t.WorkLanguage == "" {
		t.WorkLanguage = "en"
	}
	if len(t.SupportedLanguages) == 0 {
		t.SupportedLanguages = []string{t.WorkLanguage}
	}
	return &t, nil
}

func (t *Team) validate() error {
	if len(t.Members) == 0 {
		return fmt.Errorf("no members defined")
	}
	for id, m := range t.Members {
		if m.AgentID != "" && m.AgentID != id {
			return fmt.Errorf("member %q declares mismatched agentId %q", id, m.AgentID)
		}
		if m.FBREffort < 0 || m.FBREffort > 100 {
			return fmt.Errorf("member %q: fbrEffort %d out of [0,100]", id, m.FBREffort)
		}
	}
	return nil
}

// Provider serves the current team and reloads it when the file changes.
type Provider struct {
	path string

	mu   sync.RWMutex
	team *Team
}

// NewProvider loads the team file and wraps it for hot reload.
func NewProvider(path string) (*Provider, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Provider{path: path, team: t}, nil
}

// Current returns the currently loaded team.
func (p *Provider) Current() *Team {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.team
}

// Minds resolves a member's generation context. A missing member is a policy
// invariant failure for the round that asked.
func (p *Provider) Minds(agentID string) (Minds, error) {
	t := p.Current()
	m, ok := t.Members[agentID]
	if !ok {
		return Minds{}, fmt.Errorf("team has no member %q", agentID)
	}
	if m.SystemPrompt == "" {
		return Minds{}, fmt.Errorf("member %q has no system prompt", agentID)
	}
	return Minds{
		AgentID:      agentID,
		SystemPrompt: m.SystemPrompt,
		Tools:        m.Tools,
		FBREffort:    m.FBREffort,
	}, nil
}

// Reload re-reads the team file in place. A parse failure keeps the prior
// team active.
func (p *Provider) Reload() error {
	t, err := Load(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.team = t
	p.mu.Unlock()
	return nil
}

// Watch reloads the team file on filesystem changes until ctx is done.
func (p *Provider) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create team watcher: %w", err)
	}
	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch team file: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					logger.Warn().Err(err).Str("path", p.path).Msg("team reload failed, keeping prior team")
					continue
				}
				logger.Info().Str("path", p.path).Msg("team file reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("team watcher error")
			case <-done:
				return
			}
		}
	}()
	return nil
}
