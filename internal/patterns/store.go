package patterns

import (
	"context"
	"fmt"
	"strings"
)

// Store persists one State per scenario.
type Store interface {
	// Load never fails: a missing, unreadable or corrupt record yields
	// Default(), and the problem is logged.
	Load(ctx context.Context, scenario string) State
	Save(ctx context.Context, scenario string, state State) error
}

// SetRPM stores a new clamped rate and returns the resulting state.
func SetRPM(ctx context.Context, store Store, scenario string, rpm int) (State, error) {
	state := store.Load(ctx, scenario).clone()
	state.RPM = ClampRPM(rpm)
	if err := store.Save(ctx, scenario, state); err != nil {
		return State{}, fmt.Errorf("saving rate for %s: %w", scenario, err)
	}
	return state, nil
}

// SetPattern switches one pattern on or off and returns the resulting state.
// Last writer wins.
func SetPattern(ctx context.Context, store Store, scenario, pattern string, enabled bool) (State, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == rpmKey {
		return State{}, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	state := store.Load(ctx, scenario).clone()
	state.Patterns[pattern] = enabled
	if err := store.Save(ctx, scenario, state); err != nil {
		return State{}, fmt.Errorf("saving pattern %s for %s: %w", pattern, scenario, err)
	}
	return state, nil
}
