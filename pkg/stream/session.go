package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/google/uuid"
)

var (
	ErrSessionDone     = errors.New("stream: session already done")
	ErrUnknownTarget   = errors.New("stream: unknown target")
	ErrAlreadyResolved = errors.New("stream: target already resolved")
)

// State is the lifecycle of a Session.
type State int

const (
	StatePending State = iota
	StateDone
)

func (s State) String() string {
	if s == StateDone {
		return "done"
	}
	return "pending"
}

// Result is one target's outcome as handed to a MergeFunc.
type Result struct {
	Target string
	Data   any
	Err    error
}

// MergeFunc combines per-target results, given in target order, into the
// final response. A returned error becomes the terminal ErrorEvent verbatim.
type MergeFunc func(results []Result) (any, error)

// heartbeatSlack is channel capacity reserved beyond the non-heartbeat events.
const heartbeatSlack = 4

// Session tracks one fan-out. Every event is emitted under the session mutex
// into a channel sized for all non-heartbeat events, so emission never blocks
// and ordering matches the order of state changes.
type Session struct {
	id string

	mu        sync.Mutex
	targets   []string
	index     map[string]int
	results   []Result
	resolved  []bool
	remaining int
	merge     MergeFunc
	state     State
	events    chan Event
	done      chan struct{}
}

// NewSession starts a session over targets. Duplicate targets are ignored.
// With no targets the session completes immediately with the merge of
// nothing.
func NewSession(targets []string, merge MergeFunc) *Session {
	s := &Session{
		id:    uuid.NewString(),
		index: make(map[string]int, len(targets)),
		merge: merge,
		done:  make(chan struct{}),
	}
	for _, t := range targets {
		if _, dup := s.index[t]; dup {
			continue
		}
		s.index[t] = len(s.targets)
		s.targets = append(s.targets, t)
	}
	n := len(s.targets)
	s.results = make([]Result, n)
	s.resolved = make([]bool, n)
	s.remaining = n
	s.events = make(chan Event, 2*n+2+heartbeatSlack)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		s.finishLocked()
		return s
	}
	s.events <- Progress{Current: 0, Total: float64(n)}
	return s
}

// ID identifies the session in logs and stream frames.
func (s *Session) ID() string { return s.id }

// Targets returns the deduplicated targets in order.
func (s *Session) Targets() []string { return append([]string(nil), s.targets...) }

// Events is closed after the terminal event.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session reaches StateDone.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resolve records the outcome for target. The last resolution emits the
// terminal event.
func (s *Session) Resolve(target string, data any, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDone {
		return ErrSessionDone
	}
	i, ok := s.index[target]
	if !ok {
		return ErrUnknownTarget
	}
	if s.resolved[i] {
		return ErrAlreadyResolved
	}
	s.resolved[i] = true
	s.results[i] = Result{Target: target, Data: data, Err: err}
	s.remaining--

	partial := PartialResult{Source: target, Err: err}
	if err != nil {
		partial.Error = protocol.ToErrorObject(err)
	} else {
		partial.Data = data
	}
	s.events <- partial
	total := len(s.targets)
	s.events <- Progress{Current: float64(total - s.remaining), Total: float64(total)}
	if s.remaining == 0 {
		s.finishLocked()
	}
	return nil
}

// Fail terminates a pending session with err.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDone {
		return ErrSessionDone
	}
	s.terminateLocked(ErrorEvent{Err: err})
	return nil
}

// Cancel terminates a pending session because the client went away. It is a
// no-op on a finished session.
func (s *Session) Cancel() {
	_ = s.Fail(context.Canceled)
}

// Heartbeat emits a heartbeat if the session is pending and there is spare
// buffer. It reports whether the heartbeat was queued.
func (s *Session) Heartbeat() bool {
	return s.Notify(Heartbeat{})
}

// Notify queues an advisory event: a Heartbeat or relayed upstream
// Progress. Advisory events are dropped rather than allowed to take buffer
// space that the remaining partial, progress and terminal events need.
func (s *Session) Notify(ev Event) bool {
	switch ev.(type) {
	case Heartbeat, Progress:
	default:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDone {
		return false
	}
	reserved := 2*s.remaining + 1
	if cap(s.events)-len(s.events) <= reserved {
		return false
	}
	s.events <- ev
	return true
}

func (s *Session) finishLocked() {
	results := append([]Result(nil), s.results...)
	if s.merge == nil {
		s.terminateLocked(FinalResult{Response: results})
		return
	}
	merged, err := s.merge(results)
	if err != nil {
		s.terminateLocked(ErrorEvent{Err: err})
		return
	}
	s.terminateLocked(FinalResult{Response: merged})
}

func (s *Session) terminateLocked(ev Event) {
	s.events <- ev
	s.state = StateDone
	close(s.events)
	close(s.done)
}

// Cause is re-exported for merge functions that annotate failures.
type Cause = protocol.Cause

// AllFailed returns an Unavailable error summarizing every cause when each of
// results failed, and nil otherwise. Zero results is not a failure.
func AllFailed(results []Result) error {
	if len(results) == 0 {
		return nil
	}
	causes := make([]Cause, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			return nil
		}
		causes = append(causes, CauseOf(r.Target, r.Err))
	}
	return protocol.Unavailable(causes)
}

// CauseOf reduces a target's error to an annotation.
func CauseOf(target string, err error) Cause {
	kind := protocol.KindOf(err)
	msg := err.Error()
	if gwErr, ok := protocol.AsError(err); ok && gwErr.Message != "" {
		msg = gwErr.Message
	}
	if kind == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = protocol.KindTimeout
		default:
			kind = protocol.KindTransport
		}
	}
	return Cause{Upstream: target, Kind: kind, Message: msg}
}
