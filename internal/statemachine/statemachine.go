// Package statemachine is the single source of truth for allowed
// evaluation status transitions (C1). The table is loaded once from a
// declarative YAML file at startup and is pure, deterministic, and
// side-effect-free thereafter: every mutator of an Evaluation record
// must call ValidateTransition and abort on ok=false.
package statemachine

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"

	"github.com/itskum47/crucible/internal/evalmodel"
)

type fileFormat struct {
	Terminal    []string            `yaml:"terminal"`
	Transitions map[string][]string `yaml:"transitions"`
}

// Machine holds the immutable transition table for the process
// lifetime.
type Machine struct {
	terminal    map[evalmodel.Status]bool
	transitions map[evalmodel.Status]map[evalmodel.Status]bool
}

// Load reads and validates the transition table from path.
func Load(path string) (*Machine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transitions file: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("parse transitions file: %w", err)
	}
	return build(ff)
}

func build(ff fileFormat) (*Machine, error) {
	m := &Machine{
		terminal:    make(map[evalmodel.Status]bool, len(ff.Terminal)),
		transitions: make(map[evalmodel.Status]map[evalmodel.Status]bool, len(ff.Transitions)),
	}
	for _, t := range ff.Terminal {
		m.terminal[evalmodel.Status(t)] = true
	}
	for from, tos := range ff.Transitions {
		set := make(map[evalmodel.Status]bool, len(tos))
		for _, to := range tos {
			set[evalmodel.Status(to)] = true
		}
		m.transitions[evalmodel.Status(from)] = set
	}
	return m, nil
}

// ValidateTransition answers "may status X transition to Y?". A
// terminal from-state always yields ok=false, regardless of what the
// file says about it — terminal-wins is enforced here, not special-
// cased by callers (DESIGN.md Open Question 2).
func (m *Machine) ValidateTransition(from, to evalmodel.Status) (ok bool, reason string) {
	if m.terminal[from] {
		return false, fmt.Sprintf("%s is already terminal", from)
	}
	allowed, known := m.transitions[from]
	if !known {
		return false, fmt.Sprintf("unknown from-state %s", from)
	}
	if !allowed[to] {
		return false, fmt.Sprintf("%s -> %s is not an allowed transition", from, to)
	}
	return true, ""
}

// IsTerminal reports whether status has no outgoing transitions.
func (m *Machine) IsTerminal(status evalmodel.Status) bool {
	return m.terminal[status]
}

// Successors returns the set of states reachable in one transition
// from status. Terminal states always have an empty successor set.
func (m *Machine) Successors(status evalmodel.Status) []evalmodel.Status {
	if m.terminal[status] {
		return nil
	}
	allowed := m.transitions[status]
	out := make([]evalmodel.Status, 0, len(allowed))
	for s := range allowed {
		out = append(out, s)
	}
	return out
}
