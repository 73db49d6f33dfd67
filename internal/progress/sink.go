package progress

import "context"

// Sink receives batched harvest events from the Hub. Consume may be called
// concurrently and must honor ctx deadlines; Name labels the sink in hub
// diagnostics when a batch or shutdown fails.
type Sink interface {
	Name() string
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side the coordinator sees: hand over one event and
// never block. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}
