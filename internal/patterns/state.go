// Package patterns holds the per-scenario control record: which fault
// patterns are enabled and the request rate. The supervisor writes it and
// the running simulator re-reads it every session.
package patterns

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	DefaultRPM = 10
	MinRPM     = 1
	MaxRPM     = 1000

	rpmKey = "rpm"
)

var ErrInvalidPattern = errors.New("invalid pattern name")

// State is the decoded control record. On the wire it is one flat JSON
// object: `{"timeout": true, "rpm": 42}`. Keys that are neither "rpm" nor
// booleans are kept verbatim so that a read-modify-write never loses them.
type State struct {
	Patterns map[string]bool
	RPM      int

	extra map[string]json.RawMessage
}

// Default returns the state used when no record exists.
func Default() State {
	return State{Patterns: map[string]bool{}, RPM: DefaultRPM}
}

// ClampRPM limits rpm to [MinRPM, MaxRPM].
func ClampRPM(rpm int) int {
	if rpm < MinRPM {
		return MinRPM
	}
	if rpm > MaxRPM {
		return MaxRPM
	}
	return rpm
}

// Enabled reports whether the named pattern is switched on.
func (s State) Enabled(name string) bool {
	return s.Patterns[name]
}

// Active returns the enabled pattern names, sorted.
func (s State) Active() []string {
	active := make([]string, 0, len(s.Patterns))
	for name, on := range s.Patterns {
		if on {
			active = append(active, name)
		}
	}
	sort.Strings(active)
	return active
}

// Interval is the pause between two sessions at the state's rate.
func (s State) Interval() time.Duration {
	return time.Minute / time.Duration(ClampRPM(s.RPM))
}

func (s State) clone() State {
	c := State{Patterns: make(map[string]bool, len(s.Patterns)), RPM: s.RPM}
	for k, v := range s.Patterns {
		c.Patterns[k] = v
	}
	if len(s.extra) > 0 {
		c.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			c.extra[k] = v
		}
	}
	return c
}

func (s State) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(s.Patterns)+len(s.extra)+1)
	for k, v := range s.extra {
		flat[k] = v
	}
	for k, v := range s.Patterns {
		flat[k] = v
	}
	flat[rpmKey] = ClampRPM(s.RPM)
	return json.Marshal(flat)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*s = Default()
	for k, raw := range flat {
		if string(raw) == "null" {
			// unset; rpm keeps its default
			continue
		}
		if k == rpmKey {
			var rpm float64
			if err := json.Unmarshal(raw, &rpm); err != nil {
				return fmt.Errorf("rpm is not a number: %w", err)
			}
			s.RPM = ClampRPM(int(rpm))
			continue
		}
		var on bool
		if err := json.Unmarshal(raw, &on); err == nil {
			s.Patterns[k] = on
			continue
		}
		if s.extra == nil {
			s.extra = make(map[string]json.RawMessage)
		}
		s.extra[k] = raw
	}
	return nil
}
