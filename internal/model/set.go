package model

import (
	"sort"
	"strings"
)

// OperationSet is an explicit set of granted operations.
type OperationSet map[Operation]bool

// NewOperationSet builds a set from ops.
func NewOperationSet(ops ...Operation) OperationSet {
	s := make(OperationSet, len(ops))
	for _, op := range ops {
		s[op] = true
	}
	return s
}

// ParseOperationSet parses codes or names; the first unknown value fails.
func ParseOperationSet(values []string) (OperationSet, error) {
	s := make(OperationSet, len(values))
	for _, v := range values {
		op, err := ParseOperation(v)
		if err != nil {
			return nil, err
		}
		s[op] = true
	}
	return s, nil
}

// Has reports membership. A nil set contains nothing.
func (s OperationSet) Has(op Operation) bool {
	return s[op]
}

// Sorted returns members in ascending risk order.
func (s OperationSet) Sorted() []Operation {
	out := make([]Operation, 0, len(s))
	for op, ok := range s {
		if ok {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// Clone returns an independent copy.
func (s OperationSet) Clone() OperationSet {
	out := make(OperationSet, len(s))
	for op, ok := range s {
		if ok {
			out[op] = true
		}
	}
	return out
}

// String renders the set as "R,M,A".
func (s OperationSet) String() string {
	ops := s.Sorted()
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = string(op)
	}
	return strings.Join(parts, ",")
}
