package sources

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

func forsetiPayload(t *testing.T, id, ruleIndex int) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":            id,
		"rule_index":    ruleIndex,
		"project_owner": "alice",
		"project_id":    "proj-1",
		"resource_id":   "bucket-logs",
		"resource_type": "bucket",
		"resource":      "buckets_acl_violations",
	})
	require.NoError(t, err)
	return b
}

func TestForseti_Decode(t *testing.T) {
	src := Forseti()
	now := time.Now()

	rec, err := src.Decode(event.RawMessage{SourceType: TypeForseti, ID: "m1", Payload: forsetiPayload(t, 1, 3)}, now)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", rec.Owner)
	assert.Contains(t, rec.Fingerprint, "forseti_")
	assert.Equal(t, "Storage bucket shared too widely", rec.Metadata["issue_type_readable"])
	assert.Equal(t, "proj-1/bucket-logs", rec.Metadata["resource"])
	assert.Equal(t, "bucket bucket-logs (in proj-1)", rec.Metadata["resource_readable"])
	assert.Equal(t, "GCP Configuration Scanner", rec.Metadata["source_readable"])
	assert.Equal(t, ForsetiWait, src.Settings.WaitForMore)
}

func TestForseti_FingerprintIgnoresRunFields(t *testing.T) {
	src := Forseti()
	a, err := src.Decode(event.RawMessage{SourceType: TypeForseti, ID: "m1", Payload: forsetiPayload(t, 1, 3)}, time.Now())
	require.NoError(t, err)
	b, err := src.Decode(event.RawMessage{SourceType: TypeForseti, ID: "m2", Payload: forsetiPayload(t, 99, 7)}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestForseti_UnknownIssueKeepsRawName(t *testing.T) {
	enr, err := hydrateForseti(event.Message{Fields: map[string]any{
		"project_owner": "bob",
		"project_id":    "p",
		"resource_id":   "r",
		"resource":      "firewall_violations",
	}})
	require.NoError(t, err)
	assert.Equal(t, "firewall_violations", enr.Metadata["issue_type_readable"])
}

func TestForseti_MissingFieldsAreParseErrors(t *testing.T) {
	_, err := Forseti().Decode(event.RawMessage{SourceType: TypeForseti, Payload: []byte(`{"project_id":"p"}`)}, time.Now())
	var parseErr *event.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestDetectify_Decode(t *testing.T) {
	payload := []byte(`{"domain":"example-domain-a.example.com","payload":{"signature":"sig-1","title":"XSS in search"}}`)

	rec, err := Detectify(nil).Decode(event.RawMessage{SourceType: TypeDetectify, ID: "d1", Payload: payload}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "owner-a@example.com", rec.Owner)
	assert.Equal(t, "detectify_sig-1", rec.Fingerprint)
	assert.Equal(t, "XSS in search", rec.Metadata["issue_type_readable"])
	assert.Equal(t, "Web Security Scanner", rec.Metadata["source_readable"])
	assert.Zero(t, Detectify(nil).Settings.WaitForMore)
}

func TestDetectify_RejectsUnusableSignature(t *testing.T) {
	tests := map[string]string{
		"number": `{"domain":"a.example.com","payload":{"signature":42,"title":"XSS"}}`,
		"object": `{"domain":"a.example.com","payload":{"signature":{"v":1},"title":"XSS"}}`,
		"empty":  `{"domain":"a.example.com","payload":{"signature":"","title":"XSS"}}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Detectify(nil).Decode(event.RawMessage{SourceType: TypeDetectify, Payload: []byte(payload)}, time.Now())
			var hydrationErr *event.HydrationError
			require.ErrorAs(t, err, &hydrationErr)
			assert.ErrorIs(t, err, errBadSignature)
		})
	}
}

func TestDomainOwners(t *testing.T) {
	owners := DomainOwners{"a.example.com": "a@example.com"}
	assert.Equal(t, "a@example.com", owners.Owner("a.example.com"))
	assert.Equal(t, DefaultDomainOwner, owners.Owner("b.example.com"))
}

func TestSubjectAndRecipient(t *testing.T) {
	assert.Equal(t, "Your website has a security vulnerability!", Subject(TypeDetectify))
	assert.Equal(t, "Your GCP project is insecurely configured", Subject(TypeForseti))
	assert.Equal(t, "Security issue found", Subject("other"))

	assert.Equal(t, "web-team@example.com", EscalationRecipient(TypeDetectify))
	assert.Equal(t, "security-team@example.com", EscalationRecipient(TypeForseti))
}

func TestBuilt(t *testing.T) {
	srcs := All(nil)
	require.Len(t, srcs, 2)
	for _, s := range srcs {
		require.NoError(t, s.Validate())
	}
}
