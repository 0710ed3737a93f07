package llm

import (
	"context"
	"errors"
)

// ErrNoCore is returned by the unconfigured core on every generation.
var ErrNoCore = errors.New("llm: no generation core configured")

type unconfigured struct{}

// Unconfigured returns a Core that fails every generation with ErrNoCore.
// The runtime stays fully operable for browsing, replay, and control; drive
// rounds surface the missing backend as a round failure.
func Unconfigured() Core {
	return unconfigured{}
}

func (unconfigured) Generate(ctx context.Context, in GenInput) (GenOutput, error) {
	return GenOutput{}, ErrNoCore
}
