package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dominds/internal/dialog"
)

// Step is one scripted generation result, or a function computing one from
// the input it receives.
type Step struct {
	Out GenOutput
	Fn  func(in GenInput) GenOutput
}

// ScriptedCore is a deterministic Core for tests: each agent consumes its
// scripted steps in order. Unscripted generations return an empty saying.
type ScriptedCore struct {
	mu      sync.Mutex
	scripts map[string][]Step
	// Log records every generation's input in call order.
	Log []GenInput
}

// NewScriptedCore creates an empty scripted core.
func NewScriptedCore() *ScriptedCore {
	return &ScriptedCore{scripts: make(map[string][]Step)}
}

// Script appends steps for an agent.
func (c *ScriptedCore) Script(agentID string, steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[agentID] = append(c.scripts[agentID], steps...)
}

// Say is a convenience step producing a plain assistant saying.
func Say(text string) Step {
	return Step{Out: GenOutput{LastAssistantSaying: text}}
}

// Call is a convenience step producing a saying plus special calls.
func Call(text string, calls ...RawCall) Step {
	return Step{Out: GenOutput{LastAssistantSaying: text, Calls: calls}}
}

// Generate pops the next scripted step for the agent.
func (c *ScriptedCore) Generate(ctx context.Context, in GenInput) (GenOutput, error) {
	if err := ctx.Err(); err != nil {
		return GenOutput{Interrupted: true}, nil
	}

	c.mu.Lock()
	c.Log = append(c.Log, in)
	steps := c.scripts[in.AgentID]
	var step Step
	if len(steps) > 0 {
		step = steps[0]
		c.scripts[in.AgentID] = steps[1:]
	}
	c.mu.Unlock()

	out := step.Out
	if step.Fn != nil {
		out = step.Fn(in)
	}

	if in.Emit != nil && out.LastAssistantSaying != "" {
		in.Emit(dialog.CourseEvent{Kind: dialog.EventSayingStart})
		in.Emit(dialog.CourseEvent{Kind: dialog.EventSayingChunk, Content: out.LastAssistantSaying})
		in.Emit(dialog.CourseEvent{Kind: dialog.EventSayingFinish, Content: out.LastAssistantSaying})
	}
	return out, nil
}

// Generations returns how many times an agent generated.
func (c *ScriptedCore) Generations(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, in := range c.Log {
		if in.AgentID == agentID {
			n++
		}
	}
	return n
}

// GenerationsFor returns how many rounds were driven on one dialog.
func (c *ScriptedCore) GenerationsFor(id dialog.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, in := range c.Log {
		if in.Dialog == id {
			n++
		}
	}
	return n
}

// MustArgs marshals call arguments for scripted raw calls.
func MustArgs(kv map[string]any) json.RawMessage {
	data, err := json.Marshal(kv)
	if err != nil {
		panic(fmt.Sprintf("llm: marshal scripted args: %v", err))
	}
	return data
}
