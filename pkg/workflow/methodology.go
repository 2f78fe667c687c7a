// Package workflow implements the configurable methodology engine: a named
// transition table over task statuses where every transition is guarded by
// command, event, signature, and custom-rule gates.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gitgovernance/core/pkg/contracts"
)

// SignatureGate requires a minimum number of qualifying approvals.
type SignatureGate struct {
	Role            string   `json:"role" yaml:"role"`
	CapabilityRoles []string `json:"capability_roles" yaml:"capability_roles"`
	MinApprovals    int      `json:"min_approvals" yaml:"min_approvals"`
	ActorType       string   `json:"actor_type,omitempty" yaml:"actor_type,omitempty"`
	SpecificActors  []string `json:"specific_actors,omitempty" yaml:"specific_actors,omitempty"`
}

// Requires combines the gates of one transition. All configured gates are
// AND'd.
type Requires struct {
	Command     string                   `json:"command,omitempty" yaml:"command,omitempty"`
	Event       string                   `json:"event,omitempty" yaml:"event,omitempty"`
	Signatures  map[string]SignatureGate `json:"signatures,omitempty" yaml:"signatures,omitempty"`
	CustomRules []string                 `json:"custom_rules,omitempty" yaml:"custom_rules,omitempty"`
}

// Transition moves a task from any status in From to To when Requires holds.
type Transition struct {
	From     []contracts.TaskStatus `json:"from" yaml:"from"`
	To       contracts.TaskStatus   `json:"to" yaml:"to"`
	Requires Requires               `json:"requires" yaml:"requires"`
}

// Methodology is the immutable transition table loaded at startup.
type Methodology struct {
	Name        string                `json:"name" yaml:"name"`
	Transitions map[string]Transition `json:"transitions" yaml:"transitions"`
}

var validStatuses = map[contracts.TaskStatus]bool{
	contracts.TaskStatusDraft:     true,
	contracts.TaskStatusReview:    true,
	contracts.TaskStatusReady:     true,
	contracts.TaskStatusActive:    true,
	contracts.TaskStatusDone:      true,
	contracts.TaskStatusArchived:  true,
	contracts.TaskStatusPaused:    true,
	contracts.TaskStatusDiscarded: true,
}

// Validate checks structural soundness and that every custom rule resolves in
// the registry. Unknown rules are a load-time error, never a runtime one.
func (m *Methodology) Validate(rules *RuleRegistry) error {
	if len(m.Transitions) == 0 {
		return fmt.Errorf("methodology %q has no transitions", m.Name)
	}
	for name, tr := range m.Transitions {
		if len(tr.From) == 0 {
			return fmt.Errorf("transition %q: from must not be empty", name)
		}
		if !validStatuses[tr.To] {
			return fmt.Errorf("transition %q: unknown target status %q", name, tr.To)
		}
		for _, from := range tr.From {
			if !validStatuses[from] {
				return fmt.Errorf("transition %q: unknown source status %q", name, from)
			}
		}
		for _, g := range tr.Requires.Signatures {
			if g.MinApprovals < 1 {
				return fmt.Errorf("transition %q: min_approvals must be >= 1", name)
			}
			if len(g.CapabilityRoles) == 0 {
				return fmt.Errorf("transition %q: capability_roles must not be empty", name)
			}
		}
		for _, rule := range tr.Requires.CustomRules {
			if !rules.Has(rule) {
				return fmt.Errorf("transition %q references undefined custom rule %q", name, rule)
			}
		}
	}
	return nil
}

// Load reads a methodology from a JSON or YAML file and validates it against
// the rule registry.
func Load(path string, rules *RuleRegistry) (*Methodology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read methodology: %w", err)
	}
	var m Methodology
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse methodology yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse methodology json: %w", err)
		}
	}
	if err := m.Validate(rules); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns the built-in methodology: the draft → review → ready →
// active → done spine plus pause/resume, discard, archive, and the
// event-gated auto-activation used when the first progress execution lands.
func Default() *Methodology {
	return &Methodology{
		Name: "default",
		Transitions: map[string]Transition{
			"submit": {
				From:     []contracts.TaskStatus{contracts.TaskStatusDraft},
				To:       contracts.TaskStatusReview,
				Requires: Requires{Command: "submit"},
			},
			"approve": {
				From: []contracts.TaskStatus{contracts.TaskStatusReview},
				To:   contracts.TaskStatusReady,
				Requires: Requires{
					Command: "approve",
					Signatures: map[string]SignatureGate{
						"approvers": {
							Role:            "approver",
							CapabilityRoles: []string{"reviewer", "maintainer"},
							MinApprovals:    1,
						},
					},
				},
			},
			"activate": {
				From:     []contracts.TaskStatus{contracts.TaskStatusReady},
				To:       contracts.TaskStatusActive,
				Requires: Requires{Command: "activate"},
			},
			"auto_activate": {
				From:     []contracts.TaskStatus{contracts.TaskStatusReady},
				To:       contracts.TaskStatusActive,
				Requires: Requires{Event: contracts.EventFirstExecutionRecordCreated},
			},
			"complete": {
				From:     []contracts.TaskStatus{contracts.TaskStatusActive},
				To:       contracts.TaskStatusDone,
				Requires: Requires{Command: "complete"},
			},
			"pause": {
				From:     []contracts.TaskStatus{contracts.TaskStatusActive},
				To:       contracts.TaskStatusPaused,
				Requires: Requires{Command: "pause"},
			},
			"resume": {
				From:     []contracts.TaskStatus{contracts.TaskStatusPaused},
				To:       contracts.TaskStatusActive,
				Requires: Requires{Command: "resume"},
			},
			"discard": {
				From: []contracts.TaskStatus{
					contracts.TaskStatusDraft,
					contracts.TaskStatusReview,
					contracts.TaskStatusReady,
					contracts.TaskStatusPaused,
				},
				To:       contracts.TaskStatusDiscarded,
				Requires: Requires{Command: "discard"},
			},
			"archive": {
				From:     []contracts.TaskStatus{contracts.TaskStatusDone},
				To:       contracts.TaskStatusArchived,
				Requires: Requires{Command: "archive"},
			},
		},
	}
}
