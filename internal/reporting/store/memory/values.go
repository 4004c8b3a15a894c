package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

type valueKey struct {
	target  int64
	company int64
	fiscal  reporting.FiscalPositionScope
	date    string
	kind    reporting.ValueKind
}

// Values is an in-memory external value store with upsert semantics.
type Values struct {
	mu     sync.RWMutex
	values map[valueKey]reporting.CarryoverValue
	nextID int64
}

// NewValues creates an empty store.
func NewValues() *Values {
	return &Values{values: make(map[valueKey]reporting.CarryoverValue)}
}

func keyOf(v reporting.CarryoverValue) valueKey {
	return valueKey{
		target:  v.TargetExpressionID,
		company: v.CompanyID,
		fiscal:  v.FiscalPosition,
		date:    v.Date.Format("2006-01-02"),
		kind:    v.Kind,
	}
}

// Upsert implements reporting.ExternalValueStore; the last write wins.
func (s *Values) Upsert(_ context.Context, v reporting.CarryoverValue) (reporting.CarryoverValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Kind == "" {
		v.Kind = reporting.ValueManual
	}
	k := keyOf(v)
	if existing, ok := s.values[k]; ok {
		v.ID = existing.ID
	} else {
		s.nextID++
		v.ID = s.nextID
	}
	s.values[k] = v
	return v, nil
}

// Find implements reporting.ExternalValueStore.
func (s *Values) Find(_ context.Context, f reporting.ValueFilter) ([]reporting.CarryoverValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	companies := make(map[int64]bool, len(f.Companies))
	for _, id := range f.Companies {
		companies[id] = true
	}
	out := make([]reporting.CarryoverValue, 0)
	for _, v := range s.values {
		if f.TargetExpressionID != 0 && v.TargetExpressionID != f.TargetExpressionID {
			continue
		}
		if len(companies) > 0 && !companies[v.CompanyID] {
			continue
		}
		if f.FiscalPosition.Restricted() && v.FiscalPosition != f.FiscalPosition {
			continue
		}
		if !inRange(v.Date, f.Dates) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// All returns every stored value ordered by id.
func (s *Values) All() []reporting.CarryoverValue {
	values, _ := s.Find(context.Background(), reporting.ValueFilter{})
	return values
}
