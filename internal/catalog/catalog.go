// Package catalog holds the ordered chain of step definitions. The chain is
// built once at startup and passed into services by value; it is never
// mutated afterwards.
package catalog

import (
	"sort"

	"github.com/pkg/errors"

	"example.com/backstage/services/production/internal/models"
)

// Step is one entry of the chain: a step code and its zero-based position.
type Step struct {
	Code     string
	Sequence int
	Name     string
}

// Chain is the immutable ordered sequence of steps a production order
// passes through.
type Chain struct {
	steps []Step
}

// NewChain validates and builds a chain. Sequences must be dense and
// zero-based, codes unique.
func NewChain(steps []Step) (Chain, error) {
	if len(steps) == 0 {
		return Chain{}, errors.New("chain must contain at least one step")
	}

	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	seen := make(map[string]struct{}, len(ordered))
	for i, s := range ordered {
		if s.Code == "" {
			return Chain{}, errors.Errorf("step at sequence %d has an empty code", s.Sequence)
		}
		if s.Sequence != i {
			return Chain{}, errors.Errorf("step sequences must be dense and zero-based, got %d at position %d", s.Sequence, i)
		}
		if _, dup := seen[s.Code]; dup {
			return Chain{}, errors.Errorf("duplicate step code %q", s.Code)
		}
		seen[s.Code] = struct{}{}
	}

	return Chain{steps: ordered}, nil
}

// FromDefinitions builds a chain from persisted step definitions.
func FromDefinitions(defs []models.StepDefinition) (Chain, error) {
	steps := make([]Step, 0, len(defs))
	for _, d := range defs {
		steps = append(steps, Step{Code: d.Code, Sequence: d.Sequence, Name: d.Name})
	}
	return NewChain(steps)
}

// Len returns the number of steps in the chain.
func (c Chain) Len() int {
	return len(c.steps)
}

// Steps returns a copy of the ordered steps.
func (c Chain) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// At returns the step at the given sequence.
func (c Chain) At(sequence int) (Step, bool) {
	if sequence < 0 || sequence >= len(c.steps) {
		return Step{}, false
	}
	return c.steps[sequence], true
}

// ByCode looks a step up by its code.
func (c Chain) ByCode(code string) (Step, bool) {
	for _, s := range c.steps {
		if s.Code == code {
			return s, true
		}
	}
	return Step{}, false
}

// First returns the first step of the chain.
func (c Chain) First() Step {
	return c.steps[0]
}

// Last returns the final step of the chain.
func (c Chain) Last() Step {
	return c.steps[len(c.steps)-1]
}

// IsLast reports whether the given sequence is the final step.
func (c Chain) IsLast(sequence int) bool {
	return sequence == len(c.steps)-1
}
