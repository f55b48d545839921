package concept

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MemoryDictionary is a fixed, read-only dictionary used by fixtures and
// offline evaluation.
type MemoryDictionary struct {
	byCode  map[string]Concept
	members map[string][]uuid.UUID
}

// NewMemoryDictionary indexes concepts by code. members maps a set concept
// code to the codes of its members; every member must be among concepts.
func NewMemoryDictionary(concepts []Concept, members map[string][]string) (*MemoryDictionary, error) {
	d := &MemoryDictionary{
		byCode:  make(map[string]Concept, len(concepts)),
		members: make(map[string][]uuid.UUID, len(members)),
	}
	for _, c := range concepts {
		if c.Code == "" {
			return nil, fmt.Errorf("concept %s has no code", c.ID)
		}
		if _, dup := d.byCode[c.Code]; dup {
			return nil, fmt.Errorf("duplicate concept code %s", c.Code)
		}
		d.byCode[c.Code] = c
	}
	for setCode, codes := range members {
		set, ok := d.byCode[setCode]
		if !ok {
			return nil, fmt.Errorf("set %s: %w", setCode, ErrUnknownConcept)
		}
		set.IsSet = true
		d.byCode[setCode] = set
		for _, code := range codes {
			m, ok := d.byCode[code]
			if !ok {
				return nil, fmt.Errorf("member %s of set %s: %w", code, setCode, ErrUnknownConcept)
			}
			d.members[setCode] = append(d.members[setCode], m.ID)
		}
	}
	return d, nil
}

func (d *MemoryDictionary) ResolveConcept(ctx context.Context, code string) (uuid.UUID, error) {
	c, ok := d.byCode[code]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownConcept, code)
	}
	return c.ID, nil
}

func (d *MemoryDictionary) ResolveConceptSet(ctx context.Context, code string) ([]uuid.UUID, error) {
	c, ok := d.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConcept, code)
	}
	if !c.IsSet {
		return []uuid.UUID{c.ID}, nil
	}
	return append([]uuid.UUID(nil), d.members[code]...), nil
}
