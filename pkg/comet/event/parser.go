package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONParser decodes a JSON object payload and checks that every
// Required dotted path is present and non-null.
type JSONParser struct {
	Required []string
}

// Parse implements Parser.
func (p JSONParser) Parse(raw RawMessage) (Message, error) {
	if len(bytes.TrimSpace(raw.Payload)) == 0 {
		return Message{}, errors.New("empty payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		return Message{}, errors.New("payload is not a JSON object")
	}

	var missing []string
	for _, path := range p.Required {
		if v, ok := lookup(fields, path); !ok || v == nil {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return Message{}, fmt.Errorf("missing required fields: %v", missing)
	}

	return Message{SourceType: raw.SourceType, Fields: fields}, nil
}
