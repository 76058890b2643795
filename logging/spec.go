package logging

import (
	"fmt"
	"slices"
	"strings"
)

// Components lists the component names memlink loggers use.
var Components = []string{"cli", "client", "codec", "manager", "provider", "store"}

// Spec is a parsed log spec: a base level and per-component overrides.
//
// The textual form is "<base>[,<component>=<level>]...", for example
// "warn,manager=debug,store=trace". An empty spec is "warn".
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// DefaultSpec is the spec used when none is configured.
func DefaultSpec() Spec {
	return Spec{BaseLevel: LevelWarn}
}

// ParseSpec parses the textual form of a spec. Component names are
// not restricted to Components so that new components need no change
// here.
func ParseSpec(s string) (Spec, error) {
	spec := DefaultSpec()
	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	baseSeen := false
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, isComponent := strings.Cut(part, "=")
		if !isComponent {
			if baseSeen {
				return Spec{}, fmt.Errorf("base level given twice in %q", s)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return Spec{}, err
			}
			spec.BaseLevel = level
			baseSeen = true
			continue
		}

		name = strings.TrimSpace(name)
		if name == "" {
			return Spec{}, fmt.Errorf("missing component name in %q", part)
		}
		level, err := ParseLevel(value)
		if err != nil {
			return Spec{}, fmt.Errorf("component %s: %w", name, err)
		}
		if spec.Components == nil {
			spec.Components = make(map[string]Level)
		}
		spec.Components[name] = level
	}
	return spec, nil
}

// LevelFor returns the level for component, falling back to the base
// level.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// String renders the spec in the form ParseSpec accepts, with
// components sorted by name.
func (s Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	names := make([]string, 0, len(s.Components))
	for name := range s.Components {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, name+"="+s.Components[name].String())
	}
	return strings.Join(parts, ",")
}
