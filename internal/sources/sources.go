// Package sources holds the built-in source types: the forseti GCP
// configuration scanner and the detectify web scanner.
package sources

import (
	"github.com/randalmurphal/comet/pkg/comet/event"
)

// Source type names.
const (
	TypeForseti   = "forseti"
	TypeDetectify = "detectify"
)

// All returns every built-in source with its default settings.
func All(owners DomainOwners) []event.Source {
	return []event.Source{Forseti(), Detectify(owners)}
}

// Subject is the subject line of the message routed to owners.
func Subject(sourceType string) string {
	switch sourceType {
	case TypeDetectify:
		return "Your website has a security vulnerability!"
	case TypeForseti:
		return "Your GCP project is insecurely configured"
	default:
		return "Security issue found"
	}
}

// EscalationRecipient is who receives escalations for a source type.
func EscalationRecipient(sourceType string) string {
	if sourceType == TypeDetectify {
		return "web-team@example.com"
	}
	return "security-team@example.com"
}
