package workflow

import (
	"fmt"
	"strings"

	"github.com/gitgovernance/core/pkg/contracts"
)

// Signer describes one accumulated signature relevant to a transition: the
// header signatures of the task plus signatures on referenced executions and
// feedback, resolved to their signers' roles and actor types.
type Signer struct {
	KeyID         string
	SignatureRole string // the role recorded on the signature entry
	ActorRoles    []string
	ActorType     contracts.ActorType
}

// TransitionContext carries everything a gate can consult.
type TransitionContext struct {
	// Trigger is the logical command name or system event that legitimises
	// the transition attempt.
	Trigger string
	ActorID string
	Signers []Signer
	Facts   RuleFacts
}

// Engine evaluates transitions against one immutable methodology.
type Engine struct {
	methodology *Methodology
	rules       *RuleRegistry
}

// NewEngine builds an engine. The methodology must already be validated
// against the registry.
func NewEngine(m *Methodology, rules *RuleRegistry) *Engine {
	return &Engine{methodology: m, rules: rules}
}

// Methodology returns the active methodology.
func (e *Engine) Methodology() *Methodology { return e.methodology }

// CanTransition evaluates every gate of the named transition. It returns the
// target status on success, or an InvalidTransitionError identifying which
// gate blocked and why.
func (e *Engine) CanTransition(task contracts.TaskPayload, transitionName string, tctx TransitionContext) (contracts.TaskStatus, error) {
	tr, ok := e.methodology.Transitions[transitionName]
	if !ok {
		return "", &contracts.InvalidTransitionError{
			From:      task.Status,
			BlockedBy: contracts.GateCommand,
			Detail:    fmt.Sprintf("methodology %q defines no transition %q", e.methodology.Name, transitionName),
		}
	}

	fromOK := false
	for _, from := range tr.From {
		if task.Status == from {
			fromOK = true
			break
		}
	}
	if !fromOK {
		return "", &contracts.InvalidTransitionError{
			From:      task.Status,
			To:        tr.To,
			BlockedBy: contracts.GateCommand,
			Detail:    fmt.Sprintf("status %s is not in from set %v", task.Status, tr.From),
		}
	}

	req := tr.Requires
	if req.Command != "" && req.Command != tctx.Trigger {
		return "", &contracts.InvalidTransitionError{
			From:      task.Status,
			To:        tr.To,
			BlockedBy: contracts.GateCommand,
			Detail:    fmt.Sprintf("requires command %q, got trigger %q", req.Command, tctx.Trigger),
		}
	}
	if req.Event != "" && req.Event != tctx.Trigger {
		return "", &contracts.InvalidTransitionError{
			From:      task.Status,
			To:        tr.To,
			BlockedBy: contracts.GateEvent,
			Detail:    fmt.Sprintf("requires event %q, got trigger %q", req.Event, tctx.Trigger),
		}
	}

	for group, gate := range req.Signatures {
		if got := countApprovals(gate, tctx.Signers); got < gate.MinApprovals {
			return "", &contracts.InvalidTransitionError{
				From:      task.Status,
				To:        tr.To,
				BlockedBy: contracts.GateSignature,
				Detail: fmt.Sprintf("group %q needs %d approval(s) by roles [%s], found %d",
					group, gate.MinApprovals, strings.Join(gate.CapabilityRoles, ", "), got),
			}
		}
	}

	for _, name := range req.CustomRules {
		rule, ok := e.rules.Get(name)
		if !ok {
			// Validate rejects unknown rules at load; reaching this means the
			// registry shrank underneath us.
			return "", &contracts.InvalidTransitionError{
				From:      task.Status,
				To:        tr.To,
				BlockedBy: contracts.GateRule,
				Detail:    fmt.Sprintf("rule %q is not registered", name),
			}
		}
		if ok, detail := rule(task, tctx.Facts); !ok {
			return "", &contracts.InvalidTransitionError{
				From:      task.Status,
				To:        tr.To,
				BlockedBy: contracts.GateRule,
				Detail:    detail,
			}
		}
	}

	return tr.To, nil
}

// ReachableFromDraft reports whether status can be reached from draft through
// the methodology's transitions. Lint uses this for the global invariant
// that every persisted task status is legal.
func (e *Engine) ReachableFromDraft(status contracts.TaskStatus) bool {
	if status == contracts.TaskStatusDraft {
		return true
	}
	reachable := map[contracts.TaskStatus]bool{contracts.TaskStatusDraft: true}
	for changed := true; changed; {
		changed = false
		for _, tr := range e.methodology.Transitions {
			if reachable[tr.To] {
				continue
			}
			for _, from := range tr.From {
				if reachable[from] {
					reachable[tr.To] = true
					changed = true
					break
				}
			}
		}
	}
	return reachable[status]
}

func countApprovals(gate SignatureGate, signers []Signer) int {
	count := 0
	for _, s := range signers {
		if gate.Role != "" && s.SignatureRole != gate.Role {
			continue
		}
		if gate.ActorType != "" && string(s.ActorType) != gate.ActorType {
			continue
		}
		if len(gate.SpecificActors) > 0 && !contains(gate.SpecificActors, s.KeyID) {
			continue
		}
		if !intersects(s.ActorRoles, gate.CapabilityRoles) {
			continue
		}
		count++
	}
	return count
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
