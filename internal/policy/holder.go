package policy

import (
	"sync/atomic"

	"github.com/ppiankov/rmacd/internal/model"
	"github.com/ppiankov/rmacd/internal/profile"
)

// Holder publishes the current evaluator. Readers never block; Swap installs
// a new profile atomically so in-flight evaluations finish on the old one.
type Holder struct {
	current atomic.Pointer[Evaluator]
}

// NewHolder returns a holder bound to p.
func NewHolder(p *profile.Profile) (*Holder, error) {
	e, err := NewEvaluator(p)
	if err != nil {
		return nil, err
	}
	h := &Holder{}
	h.current.Store(e)
	return h, nil
}

// Load returns the current evaluator.
func (h *Holder) Load() *Evaluator {
	return h.current.Load()
}

// Swap binds p and returns the evaluator it replaced.
func (h *Holder) Swap(p *profile.Profile) (*Evaluator, error) {
	e, err := NewEvaluator(p)
	if err != nil {
		return nil, err
	}
	return h.current.Swap(e), nil
}

// Evaluate delegates to the current evaluator.
func (h *Holder) Evaluate(op model.Operation, class model.DataClassification, ctx *EvaluationContext) (Decision, error) {
	e := h.current.Load()
	if e == nil {
		return Decision{}, ErrNoProfile
	}
	return e.Evaluate(op, class, ctx)
}
