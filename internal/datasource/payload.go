package datasource

import (
	"encoding/json"
	"fmt"
)

// Record is one row or object returned by a source.
type Record map[string]any

// Payload is the normalized result of a fetch.
type Payload struct {
	Source  string   `json:"source"`
	Records []Record `json:"records"`
}

// Empty reports whether the payload carries no records.
func (p *Payload) Empty() bool {
	return p == nil || len(p.Records) == 0
}

// normalize validates a raw executor result and converts it into records.
// Accepted shapes: a Payload, a single object, or a list of objects.
func normalize(raw any) ([]Record, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil result", ErrDataValidation)
	case *Payload:
		if v == nil {
			return nil, fmt.Errorf("%w: nil payload", ErrDataValidation)
		}
		return v.Records, nil
	case Payload:
		return v.Records, nil
	case Record:
		return []Record{v}, nil
	case map[string]any:
		return []Record{v}, nil
	case []Record:
		return v, nil
	case []map[string]any:
		out := make([]Record, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	case []any:
		out := make([]Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T, want object", ErrDataValidation, i, item)
			}
			out = append(out, m)
		}
		return out, nil
	case json.RawMessage:
		return normalizeJSON(v)
	case []byte:
		return normalizeJSON(v)
	default:
		return nil, fmt.Errorf("%w: unexpected result type %T", ErrDataValidation, raw)
	}
}

func normalizeJSON(b []byte) ([]Record, error) {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataValidation, err)
	}
	return normalize(decoded)
}

func mockPayload(src, query string) *Payload {
	return &Payload{
		Source: "mock",
		Records: []Record{{
			"source": src,
			"query":  query,
			"mock":   true,
		}},
	}
}
