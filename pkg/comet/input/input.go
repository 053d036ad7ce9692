// Package input defines how message transports feed the engine.
//
// Adapters acknowledge a message to their transport only after the sink
// accepts it. A sink error means nothing was recorded, so the message is
// left for redelivery. Messages the engine cannot parse are quarantined
// by the engine itself and still count as accepted.
package input

import (
	"context"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// Sink accepts raw messages. *comet.Engine implements Sink.
type Sink interface {
	Ingest(ctx context.Context, raw event.RawMessage) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, raw event.RawMessage) error

// Ingest calls f.
func (f SinkFunc) Ingest(ctx context.Context, raw event.RawMessage) error { return f(ctx, raw) }

// Input is a transport adapter. Run consumes until ctx is cancelled and
// returns nil on cancellation.
type Input interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
