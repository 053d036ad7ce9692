package event

import (
	"bytes"
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawMessage is one delivery from an input adapter.
type RawMessage struct {
	// SourceType selects the registered Source.
	SourceType string `json:"source_type"`

	// ID identifies the delivery at the transport (stream entry ID,
	// JetStream message ID). Redeliveries carry the same ID.
	ID string `json:"id,omitempty"`

	// Payload is the undecoded message body.
	Payload []byte `json:"payload"`

	// Attributes carries transport headers.
	Attributes map[string]string `json:"attributes,omitempty"`

	// ReceivedAt is when the adapter received the message. Zero means
	// the engine clock is used.
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Message is a decoded, validated payload.
type Message struct {
	SourceType string
	Fields     map[string]any
}

// Get returns the value at a dotted path such as "payload.signature".
func (m Message) Get(path string) (any, bool) {
	return lookup(m.Fields, path)
}

// String returns the value at path as a string. Non-string values
// yield "".
func (m Message) String(path string) string {
	v, ok := m.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Enrichment is what a Hydrator derives from a Message.
type Enrichment struct {
	Owner       string
	Fingerprint string
	Metadata    map[string]any
}

// Record is one hydrated occurrence of an issue.
type Record struct {
	ID          string          `json:"id"`
	SourceType  string          `json:"source_type"`
	Fingerprint string          `json:"fingerprint"`
	Owner       string          `json:"owner"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	DeliveryID  string          `json:"delivery_id,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// NewRecord builds a Record from a hydrated message. The metadata is
// copied in its JSON form, numbers as json.Number, so a record reads back
// the same from every store.
func NewRecord(raw RawMessage, msg Message, e Enrichment, receivedAt time.Time) Record {
	data, err := json.Marshal(msg.Fields)
	if err != nil {
		data = nil
	}
	return Record{
		ID:          uuid.New().String(),
		SourceType:  raw.SourceType,
		Fingerprint: e.Fingerprint,
		Owner:       e.Owner,
		Metadata:    NormalizeMetadata(e.Metadata),
		Data:        data,
		DeliveryID:  raw.ID,
		ReceivedAt:  receivedAt.UTC(),
	}
}

// NormalizeMetadata returns a copy of md as it decodes from JSON. An
// empty map yields nil. Values JSON cannot encode are kept as given.
func NormalizeMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return maps.Clone(md)
	}
	out, err := DecodeMetadata(b)
	if err != nil {
		return maps.Clone(md)
	}
	return out
}

// DecodeMetadata decodes a JSON object, keeping numbers as json.Number.
// An empty object yields nil.
func DecodeMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var md map[string]any
	if err := dec.Decode(&md); err != nil {
		return nil, err
	}
	if len(md) == 0 {
		return nil, nil
	}
	return md, nil
}

// Clone returns a deep enough copy for handing to external collaborators.
func (r Record) Clone() Record {
	r.Metadata = maps.Clone(r.Metadata)
	if r.Data != nil {
		r.Data = append(json.RawMessage(nil), r.Data...)
	}
	return r
}

// CloneAll clones every record in rs.
func CloneAll(rs []Record) []Record {
	if rs == nil {
		return nil
	}
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}
