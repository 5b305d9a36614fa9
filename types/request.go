package types

import (
	"sync"
	"time"
)

// RequestState is a DicomRequest's position in its lifecycle:
// Pending -> InFlight -> {Completed | TimedOut | Failed}. A request
// never re-enters a prior state.
type RequestState int

const (
	RequestPending RequestState = iota
	RequestInFlight
	RequestCompleted
	RequestTimedOut
	RequestFailed
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestInFlight:
		return "in-flight"
	case RequestCompleted:
		return "completed"
	case RequestTimedOut:
		return "timed-out"
	case RequestFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s RequestState) terminal() bool {
	return s == RequestCompleted || s == RequestTimedOut || s == RequestFailed
}

// DicomResponse is a single DIMSE response correlated to its request
// by MessageID. Pending responses do not terminate a multi-response
// request; any other status does.
type DicomResponse struct {
	MessageID uint16
	Status    uint16
	Command   *Message
	Dataset   *Dataset
}

// IsPending reports whether this response carries DIMSE status Pending.
func (r *DicomResponse) IsPending() bool {
	return r.Status == StatusPending
}

// DicomRequest is a queued DIMSE operation. The dispatcher owns a
// request exclusively from AddRequest until its terminal event fires,
// at which point it is handed back to the caller through Responses
// (closed) and Err.
type DicomRequest struct {
	// MessageID is assigned by the caller (or dispatcher, if zero) and
	// is immutable once the request is enqueued.
	MessageID uint16
	// SOPClassUID identifies the abstract syntax this request needs a
	// presentation context for.
	SOPClassUID string
	// Command carries the DIMSE command fields the request builds
	// its command dataset from (CommandField, Priority, etc. are
	// filled in by the DIMSE layer at send time).
	Command *Message
	// DataDataset is the optional data payload, e.g. for C-STORE.
	DataDataset *Dataset
	// MultiResponse is true for C-FIND/C-MOVE/C-GET, whose SCP may
	// emit any number of Pending responses before the final status.
	MultiResponse bool

	// Responses delivers every DicomResponse correlated to this
	// request, in wire order, and is closed after the terminal
	// (non-Pending) response or on failure/timeout.
	Responses chan *DicomResponse

	mu             sync.Mutex
	state          RequestState
	lastActivityAt time.Time
	err            error
	done           chan struct{}
}

// NewDicomRequest creates a request in state Pending.
func NewDicomRequest(messageID uint16, sopClassUID string, multiResponse bool) *DicomRequest {
	return &DicomRequest{
		MessageID:     messageID,
		SOPClassUID:   sopClassUID,
		MultiResponse: multiResponse,
		// Buffered generously: the dispatcher's single goroutine
		// delivers responses and must not block on a slow caller for
		// the handful of Pending responses a C-FIND/C-MOVE/C-GET
		// typically emits before its final status.
		Responses: make(chan *DicomResponse, 16),
		state:         RequestPending,
		done:          make(chan struct{}),
	}
}

// State returns the request's current lifecycle state.
func (r *DicomRequest) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the terminal error, if the request ended in TimedOut or
// Failed. Nil until a terminal state is reached, and nil on Completed.
func (r *DicomRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done returns a channel closed once the request reaches a terminal
// state, for callers that want to select on completion rather than
// drain Responses.
func (r *DicomRequest) Done() <-chan struct{} {
	return r.done
}

// MarkInFlight transitions Pending -> InFlight and stamps
// last_activity_at as the moment the request's first PDU left the
// client. No-op if not currently Pending.
func (r *DicomRequest) MarkInFlight(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequestPending {
		return
	}
	r.state = RequestInFlight
	r.lastActivityAt = at
}

// Touch records inbound activity (a response, including Pending) for
// the timeout watchdog's last_activity_at tracking.
func (r *DicomRequest) Touch(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivityAt = at
}

// LastActivityAt returns the last recorded activity time.
func (r *DicomRequest) LastActivityAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivityAt
}

// complete transitions the request to a terminal state exactly once;
// subsequent calls are dropped. Returns true if this call performed
// the transition.
func (r *DicomRequest) complete(state RequestState, err error) bool {
	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return false
	}
	r.state = state
	r.err = err
	r.mu.Unlock()

	close(r.Responses)
	close(r.done)
	return true
}

// Complete marks the request Completed and closes Responses. Returns
// false if the request already reached a terminal state.
func (r *DicomRequest) Complete() bool {
	return r.complete(RequestCompleted, nil)
}

// TimeOut marks the request TimedOut with err and closes Responses.
// Returns false if the request already reached a terminal state.
func (r *DicomRequest) TimeOut(err error) bool {
	return r.complete(RequestTimedOut, err)
}

// Fail marks the request Failed with err and closes Responses.
// Returns false if the request already reached a terminal state.
func (r *DicomRequest) Fail(err error) bool {
	return r.complete(RequestFailed, err)
}

// Deliver pushes a response onto Responses if the request is still
// InFlight; late responses on a terminal request are dropped silently
// (the caller should log this at debug level).
func (r *DicomRequest) Deliver(resp *DicomResponse) bool {
	r.mu.Lock()
	if r.state != RequestInFlight {
		r.mu.Unlock()
		return false
	}
	r.lastActivityAt = time.Now()
	r.mu.Unlock()

	r.Responses <- resp
	return true
}
