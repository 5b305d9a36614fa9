package dispatcher

import (
	"time"

	"github.com/dicomassoc/dicomassoc/errors"
	"github.com/dicomassoc/dicomassoc/types"
)

// EventSink receives client-wide lifecycle notifications. All methods
// are invoked synchronously from the dispatcher's own goroutine — a
// sink must not block or call back into the Dispatcher, or the whole
// run stalls.
type EventSink interface {
	AssociationAccepted(calledAETitle string)
	AssociationReleased()
	AssociationRejected(reason *errors.AssociationError)
	RequestTimedOut(req *types.DicomRequest, timeout time.Duration)
	RequestCompleted(req *types.DicomRequest, final *types.DicomResponse)
}

// NoopEventSink implements EventSink with no-ops, for callers that
// don't care to observe the run.
type NoopEventSink struct{}

func (NoopEventSink) AssociationAccepted(string)                        {}
func (NoopEventSink) AssociationReleased()                              {}
func (NoopEventSink) AssociationRejected(*errors.AssociationError)       {}
func (NoopEventSink) RequestTimedOut(*types.DicomRequest, time.Duration) {}
func (NoopEventSink) RequestCompleted(*types.DicomRequest, *types.DicomResponse) {}
