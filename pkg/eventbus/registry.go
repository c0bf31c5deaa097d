package eventbus

import (
	"encoding/json"
	"fmt"
)

// Decoder turns a raw JSON payload into its typed message.
type Decoder func(data []byte) (interface{}, error)

// JSONDecoder builds a Decoder for a concrete payload type. Unknown fields
// are ignored; that is the bus compatibility contract.
func JSONDecoder[T any]() Decoder {
	return func(data []byte) (interface{}, error) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

// Registry maps subject patterns to typed decoders. Registration order is
// preserved; the first matching pattern wins.
type Registry struct {
	patterns []string
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

func (r *Registry) Register(pattern string, decoder Decoder) *Registry {
	if _, ok := r.decoders[pattern]; !ok {
		r.patterns = append(r.patterns, pattern)
	}
	r.decoders[pattern] = decoder
	return r
}

// Lookup selects the decoder for a subject pattern. The match is performed
// once per subscription, not per message.
func (r *Registry) Lookup(pattern string) (Decoder, error) {
	if decoder, ok := r.decoders[pattern]; ok {
		return decoder, nil
	}
	for _, candidate := range r.patterns {
		if MatchSubject(candidate, pattern) {
			return r.decoders[candidate], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, pattern)
}
