package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/tetratelabs/wazero"

	"github.com/gitgovernance/core/pkg/contracts"
)

// RuleFacts carries the pre-computed inputs the built-in rules consume. The
// backlog adapter assembles them from stores before asking the engine.
type RuleFacts struct {
	HasResolvedAssignment bool
	CycleActiveTasks      int
	CycleCapacity         int
	HasLinkedCycle        bool
	Extra                 map[string]any
}

// Rule evaluates one custom rule against a task. The string is the denial
// detail when the rule fails.
type Rule func(task contracts.TaskPayload, facts RuleFacts) (bool, string)

// RuleRegistry resolves custom-rule identifiers. Identifiers are opaque to
// the engine; rules are never evaluated from untrusted source at runtime —
// CEL expressions compile at registration and WASM modules run sandboxed
// with no host functions.
type RuleRegistry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRuleRegistry creates a registry pre-loaded with the built-in rules.
func NewRuleRegistry() *RuleRegistry {
	r := &RuleRegistry{rules: make(map[string]Rule)}
	r.Register("assignment_required", ruleAssignmentRequired)
	r.Register("sprint_capacity", ruleSprintCapacity)
	r.Register("epic_complexity", ruleEpicComplexity)
	return r
}

// Register adds or replaces a rule.
func (r *RuleRegistry) Register(name string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = rule
}

// Has reports whether name resolves.
func (r *RuleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rules[name]
	return ok
}

// Get returns the rule for name.
func (r *RuleRegistry) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	return rule, ok
}

// Built-in rules.

func ruleAssignmentRequired(task contracts.TaskPayload, facts RuleFacts) (bool, string) {
	if !facts.HasResolvedAssignment {
		return false, fmt.Sprintf("task %s has no resolved assignment feedback", task.ID)
	}
	return true, ""
}

func ruleSprintCapacity(task contracts.TaskPayload, facts RuleFacts) (bool, string) {
	if facts.CycleCapacity > 0 && facts.CycleActiveTasks >= facts.CycleCapacity {
		return false, fmt.Sprintf("cycle capacity reached: %d active of %d allowed", facts.CycleActiveTasks, facts.CycleCapacity)
	}
	return true, ""
}

func ruleEpicComplexity(task contracts.TaskPayload, facts RuleFacts) (bool, string) {
	for _, tag := range task.Tags {
		if tag == "epic" {
			if !facts.HasLinkedCycle {
				return false, fmt.Sprintf("epic task %s must be linked to a cycle", task.ID)
			}
			return true, ""
		}
	}
	return true, ""
}

// RegisterCEL compiles a CEL expression and registers it under name. The
// expression sees `task` and `context` map variables and must yield a bool.
// Compilation errors surface here, at config load.
func (r *RuleRegistry) RegisterCEL(name, expression string) error {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("task", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("rule %q compilation failed: %w", name, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("rule %q program construction failed: %w", name, err)
	}

	r.Register(name, func(task contracts.TaskPayload, facts RuleFacts) (bool, string) {
		taskMap, err := toMap(task)
		if err != nil {
			return false, fmt.Sprintf("rule %s: task conversion: %v", name, err)
		}
		ctxMap := facts.Extra
		if ctxMap == nil {
			ctxMap = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{"task": taskMap, "context": ctxMap})
		if err != nil {
			return false, fmt.Sprintf("rule %s evaluation failed: %v", name, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return false, fmt.Sprintf("rule %s did not yield a bool", name)
		}
		if !ok {
			return false, fmt.Sprintf("rule %s denied the transition", name)
		}
		return true, ""
	})
	return nil
}

// wasmRuleTimeout bounds one sandboxed rule evaluation.
const wasmRuleTimeout = 100 * time.Millisecond

// RegisterWASM loads a WASM module from modulePath and registers a rule that
// invokes its exported `evaluate` function (no params, i32 result; nonzero
// means pass). The module gets no host imports: it cannot touch the
// filesystem, network, or clock.
func (r *RuleRegistry) RegisterWASM(name, modulePath string) error {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("rule %q: read module: %w", name, err)
	}

	// Compile once at registration so malformed modules fail at load.
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return fmt.Errorf("rule %q: compile module: %w", name, err)
	}
	if compiled.ExportedFunctions()["evaluate"] == nil {
		_ = runtime.Close(ctx)
		return fmt.Errorf("rule %q: module exports no evaluate function", name)
	}

	r.Register(name, func(task contracts.TaskPayload, facts RuleFacts) (bool, string) {
		evalCtx, cancel := context.WithTimeout(context.Background(), wasmRuleTimeout)
		defer cancel()

		mod, err := runtime.InstantiateModule(evalCtx, compiled, wazero.NewModuleConfig().WithName(""))
		if err != nil {
			return false, fmt.Sprintf("rule %s: instantiate: %v", name, err)
		}
		defer func() { _ = mod.Close(evalCtx) }()

		results, err := mod.ExportedFunction("evaluate").Call(evalCtx)
		if err != nil {
			return false, fmt.Sprintf("rule %s: call failed: %v", name, err)
		}
		if len(results) == 0 || results[0] == 0 {
			return false, fmt.Sprintf("rule %s denied the transition", name)
		}
		return true, ""
	})
	return nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
