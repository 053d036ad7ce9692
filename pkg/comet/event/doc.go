// Package event defines the records that flow through the correlation engine.
//
// # Overview
//
// A raw delivery from an input adapter is a RawMessage. A registered Source
// turns it into a Record in two steps:
//
//   - Parser decodes and validates the payload into a Message
//   - Hydrator derives the owner, fingerprint and metadata of the Message
//
// Both steps are pure: the same RawMessage always yields the same owner and
// fingerprint. Records are immutable once created; later occurrences of the
// same issue are distinct Records attached to the same group.
//
// # Registering sources
//
//	reg := event.NewRegistry()
//	err := reg.Register(event.Source{
//	    Type:     "detectify",
//	    Parser:   event.JSONParser{Required: []string{"domain", "payload.signature"}},
//	    Hydrator: event.HydratorFunc(hydrateDetectify),
//	})
//
// # Fingerprints
//
// Fingerprint computes a stable identity from message content, ignoring
// volatile fields:
//
//	fp, err := event.Fingerprint(msg.Fields,
//	    event.WithBlacklist("id", "rule_index"),
//	    event.WithPrefix("forseti_"))
//
// # Failures
//
// Decode reports a *ParseError or *HydrationError. Both mean the message
// can never succeed and belongs in quarantine, see QuarantinedMessage.
package event
