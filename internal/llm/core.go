// Package llm defines the boundary to the streaming generation core. The
// orchestration runtime never talks to a model wire protocol directly; it
// hands the core an assembled context and consumes the structured result.
package llm

import (
	"context"
	"encoding/json"

	"dominds/internal/dialog"
)

// RawCall is a model-emitted function call, unparsed.
type RawCall struct {
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// GenInput is the assembled context of one generation.
type GenInput struct {
	Dialog       dialog.ID
	AgentID      string
	SystemPrompt string
	Tools        []string
	Messages     []dialog.Message
	Reminders    []dialog.Reminder
	// Prompt is the effective human/up-next prompt of this round, if any.
	Prompt *dialog.Prompt
	Course int

	// Emit streams intermediate events (thinking/saying chunks) to the
	// event log and live subscribers. May be nil.
	Emit func(dialog.CourseEvent)
}

// GenOutput is the structured result of one generation.
type GenOutput struct {
	// LastAssistantSaying is the final assistant saying of the generation.
	LastAssistantSaying string
	// Calls are the special calls the model emitted, in emission order.
	Calls []RawCall
	// Interrupted is true when the core observed a cooperative stop.
	Interrupted bool
	// Health is the context-window telemetry after this generation.
	Health *dialog.ContextHealth
}

// Core is a streaming token source. Implementations must observe ctx
// cancellation no later than the next token boundary.
type Core interface {
	Generate(ctx context.Context, in GenInput) (GenOutput, error)
}
