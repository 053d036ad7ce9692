package sources

import (
	"errors"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// errBadSignature rejects findings that would all share one fingerprint.
var errBadSignature = errors.New("payload.signature must be a non-empty string")

// DefaultDomainOwner owns domains missing from the lookup table.
const DefaultDomainOwner = "example-resource-owner@example.com"

// DomainOwners maps a scanned domain to its owner's address.
type DomainOwners map[string]string

// DefaultDomainOwners is the lookup used when none is configured.
var DefaultDomainOwners = DomainOwners{
	"example-domain-a.example.com": "owner-a@example.com",
	"example-domain-b.example.com": "owner-b@example.com",
}

// Owner returns the owner of domain.
func (d DomainOwners) Owner(domain string) string {
	if owner, ok := d[domain]; ok && owner != "" {
		return owner
	}
	return DefaultDomainOwner
}

// Detectify is the web security scanner source. Findings dispatch
// immediately.
func Detectify(owners DomainOwners) event.Source {
	if owners == nil {
		owners = DefaultDomainOwners
	}
	return event.Source{
		Type: TypeDetectify,
		Parser: event.JSONParser{
			Required: []string{"domain", "payload.signature", "payload.title"},
		},
		Hydrator: event.HydratorFunc(func(msg event.Message) (event.Enrichment, error) {
			signature := msg.String("payload.signature")
			if signature == "" {
				return event.Enrichment{}, errBadSignature
			}
			domain := msg.String("domain")
			title := msg.String("payload.title")
			return event.Enrichment{
				Owner:       owners.Owner(domain),
				Fingerprint: "detectify_" + signature,
				Metadata: map[string]any{
					"issue_type":          title,
					"source_readable":     "Web Security Scanner",
					"resource":            domain,
					"resource_readable":   domain,
					"issue_type_readable": title,
				},
			}, nil
		}),
	}
}
