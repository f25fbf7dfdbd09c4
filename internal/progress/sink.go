package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// Reporter stamps events with one run's identity and timestamp.
type Reporter struct {
	emitter Emitter
	id      [16]byte
	kind    RunKind
	now     func() time.Time
}

// NewReporter binds emitter to a run. A nil emitter discards events and a nil
// now uses time.Now.
func NewReporter(emitter Emitter, kind RunKind, id uuid.UUID, now func() time.Time) *Reporter {
	if emitter == nil {
		emitter = Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Reporter{emitter: emitter, id: UUIDToBytes(id), kind: kind, now: now}
}

// RunID returns the run identifier.
func (r *Reporter) RunID() uuid.UUID { return uuid.UUID(r.id) }

// Emit fills the run fields and timestamp, then forwards evt.
func (r *Reporter) Emit(evt Event) {
	evt.RunID = r.id
	evt.Run = r.kind
	if evt.TS.IsZero() {
		evt.TS = r.now().UTC()
	}
	r.emitter.Emit(evt)
}
