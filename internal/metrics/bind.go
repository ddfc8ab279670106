package metrics

import (
	"github.com/smazurov/encnode/internal/events"
)

// Bind subscribes the metric collectors to an event bus, so encode jobs
// publishing there show up in the Prometheus registry without the
// pipeline importing this package. The returned function detaches the
// subscriptions.
func Bind(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(events.JobQueuedEvent) {
			JobQueued()
		}),
		bus.Subscribe(func(e events.EncodeProgressEvent) {
			SetEncodeProgress(e.JobID, e.FramesSubmitted, e.PacketsDrained, e.BytesWritten, e.BuffersInFlight)
		}),
		bus.Subscribe(func(e events.SessionStateEvent) {
			SessionTransition(e.From, e.To)
		}),
		bus.Subscribe(func(e events.JobFinishedEvent) {
			JobFinished(e.Seconds, e.Ok)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
