package cache

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

// entry is the stored form of one expression total. Grouping keys are typed
// so int64 and time keys survive JSON.
type entry struct {
	ID          int64           `json:"id"`
	Value       decimal.Decimal `json:"value"`
	HasSublines bool            `json:"has_sublines,omitempty"`
	Grouped     bool            `json:"grouped,omitempty"`
	Groups      []group         `json:"groups,omitempty"`
}

type group struct {
	Keys        []key           `json:"keys"`
	Value       decimal.Decimal `json:"value"`
	HasSublines bool            `json:"has_sublines,omitempty"`
}

type key struct {
	T string `json:"t"`
	V string `json:"v,omitempty"`
}

func encode(totals map[int64]reporting.ExpressionTotal) ([]entry, error) {
	out := make([]entry, 0, len(totals))
	for id, total := range totals {
		e := entry{ID: id, Value: total.Value, HasSublines: total.HasSublines, Grouped: total.Grouped()}
		for _, g := range total.Groups {
			keys := make([]key, len(g.Keys))
			for i, k := range g.Keys {
				enc, err := encodeKey(k)
				if err != nil {
					return nil, err
				}
				keys[i] = enc
			}
			e.Groups = append(e.Groups, group{Keys: keys, Value: g.Value, HasSublines: g.HasSublines})
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func decode(entries []entry) (map[int64]reporting.ExpressionTotal, error) {
	out := make(map[int64]reporting.ExpressionTotal, len(entries))
	for _, e := range entries {
		total := reporting.ExpressionTotal{Value: e.Value, HasSublines: e.HasSublines}
		if e.Grouped {
			total.Groups = make([]reporting.GroupedValue, 0, len(e.Groups))
		}
		for _, g := range e.Groups {
			keys := make([]any, len(g.Keys))
			for i, k := range g.Keys {
				v, err := decodeKey(k)
				if err != nil {
					return nil, err
				}
				keys[i] = v
			}
			total.Groups = append(total.Groups, reporting.GroupedValue{Keys: keys, Value: g.Value, HasSublines: g.HasSublines})
		}
		out[e.ID] = total
	}
	return out, nil
}

func encodeKey(v any) (key, error) {
	switch x := v.(type) {
	case nil:
		return key{T: "n"}, nil
	case int64:
		return key{T: "i", V: strconv.FormatInt(x, 10)}, nil
	case int:
		return key{T: "i", V: strconv.Itoa(x)}, nil
	case string:
		return key{T: "s", V: x}, nil
	case bool:
		return key{T: "b", V: strconv.FormatBool(x)}, nil
	case time.Time:
		return key{T: "t", V: x.Format(time.RFC3339Nano)}, nil
	case decimal.Decimal:
		return key{T: "d", V: x.String()}, nil
	}
	return key{}, fmt.Errorf("cache: unsupported group key %T", v)
}

func decodeKey(k key) (any, error) {
	switch k.T {
	case "n":
		return nil, nil
	case "i":
		return strconv.ParseInt(k.V, 10, 64)
	case "s":
		return k.V, nil
	case "b":
		return strconv.ParseBool(k.V)
	case "t":
		return time.Parse(time.RFC3339Nano, k.V)
	case "d":
		return decimal.NewFromString(k.V)
	}
	return nil, fmt.Errorf("cache: unknown group key type %q", k.T)
}
