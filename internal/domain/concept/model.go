// Package concept translates coded concept identifiers (e.g. "5497" for a
// CD4 count) into the keys observations are stored under.
package concept

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnknownConcept is returned when a code is not in the dictionary.
var ErrUnknownConcept = errors.New("unknown concept")

type Concept struct {
	ID       uuid.UUID `json:"id"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Datatype string    `json:"datatype"`
	IsSet    bool      `json:"is_set"`
}

// Dictionary resolves concept codes.
//
// ResolveConceptSet returns the members of a set concept. A concept that is
// not a set resolves to itself so a single answer can be passed where a set
// is expected.
type Dictionary interface {
	ResolveConcept(ctx context.Context, code string) (uuid.UUID, error)
	ResolveConceptSet(ctx context.Context, code string) ([]uuid.UUID, error)
}

// ResolveAll resolves each code and returns the union of the resolved
// keys in first-seen order.
func ResolveAll(ctx context.Context, dict Dictionary, codes []string) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, code := range codes {
		ids, err := dict.ResolveConceptSet(ctx, code)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}
