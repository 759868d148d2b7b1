package coordinator

import (
	"github.com/iotaledger/hive.go/runtime/event"
)

// Events exposes the lifecycle events of a Coordinator.
type Events struct {
	// RequestCompleted is triggered whenever a Request reaches the Completed state, with the published Result.
	RequestCompleted *event.Event1[*Result]

	// RequestFailed is triggered whenever a Request reaches the Failed state, with the failure Result.
	RequestFailed *event.Event1[*Result]
}

// newEvents creates the Events of a Coordinator.
func newEvents() *Events {
	return &Events{
		RequestCompleted: event.New1[*Result](),
		RequestFailed:    event.New1[*Result](),
	}
}
