package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinMerge(results []Result) (any, error) {
	if err := AllFailed(results); err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		parts = append(parts, r.Data.(string))
	}
	return strings.Join(parts, ","), nil
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType())
	}
	return out
}

func TestSessionNeverFinalizesEarly(t *testing.T) {
	s := NewSession([]string{"a", "b", "c"}, joinMerge)
	require.NoError(t, s.Resolve("c", "C", nil))
	require.NoError(t, s.Resolve("a", "A", nil))

	early := drain(s.Events())
	for _, ev := range early {
		assert.False(t, IsTerminal(ev), "terminal event before all targets resolved")
	}
	assert.Equal(t, StatePending, s.State())

	require.NoError(t, s.Resolve("b", "B", nil))
	rest := drain(s.Events())
	require.NotEmpty(t, rest)
	final, ok := rest[len(rest)-1].(FinalResult)
	require.True(t, ok)
	assert.Equal(t, "A,B,C", final.Response, "merge follows target order, not arrival order")
	assert.Equal(t, StateDone, s.State())
}

func TestSessionEventOrder(t *testing.T) {
	s := NewSession([]string{"a", "b"}, joinMerge)
	require.NoError(t, s.Resolve("b", "B", nil))
	require.NoError(t, s.Resolve("a", "A", nil))

	events := drain(s.Events())
	assert.Equal(t, []EventType{
		TypeProgress,
		TypePartialResult, TypeProgress,
		TypePartialResult, TypeProgress,
		TypeFinalResult,
	}, types(events))
	assert.Equal(t, "b", events[1].(PartialResult).Source, "partials arrive in resolution order")
	assert.Equal(t, Progress{Current: 2, Total: 2}, events[4])
}

func TestSessionIgnoresResolutionAfterDone(t *testing.T) {
	s := NewSession([]string{"a"}, joinMerge)
	require.NoError(t, s.Resolve("a", "A", nil))
	drain(s.Events())

	assert.ErrorIs(t, s.Resolve("a", "again", nil), ErrSessionDone)
	assert.ErrorIs(t, s.Fail(errors.New("late")), ErrSessionDone)
	assert.False(t, s.Heartbeat())
	_, open := <-s.Events()
	assert.False(t, open, "no event follows the terminal one")
}

func TestSessionRejectsUnknownAndDuplicate(t *testing.T) {
	s := NewSession([]string{"a", "b"}, joinMerge)
	assert.ErrorIs(t, s.Resolve("zzz", nil, nil), ErrUnknownTarget)
	require.NoError(t, s.Resolve("a", "A", nil))
	assert.ErrorIs(t, s.Resolve("a", "A2", nil), ErrAlreadyResolved)
	assert.Equal(t, StatePending, s.State())
}

func TestSessionAllFailedIsUnavailable(t *testing.T) {
	s := NewSession([]string{"a", "b"}, joinMerge)
	require.NoError(t, s.Resolve("a", nil, protocol.NewError(protocol.KindRejected, "a", "circuit open")))
	require.NoError(t, s.Resolve("b", nil, protocol.NewError(protocol.KindTimeout, "b", "slow")))

	events := drain(s.Events())
	last, ok := events[len(events)-1].(ErrorEvent)
	require.True(t, ok)
	assert.ErrorIs(t, last.Err, protocol.ErrUnavailable)
	gwErr, _ := protocol.AsError(last.Err)
	assert.Equal(t, []protocol.Cause{
		{Upstream: "a", Kind: protocol.KindRejected, Message: "circuit open"},
		{Upstream: "b", Kind: protocol.KindTimeout, Message: "slow"},
	}, gwErr.Causes)
}

func TestSessionOneHealthyTargetSucceeds(t *testing.T) {
	s := NewSession([]string{"a", "b"}, joinMerge)
	require.NoError(t, s.Resolve("a", nil, errors.New("refused")))
	require.NoError(t, s.Resolve("b", "B", nil))

	events := drain(s.Events())
	final, ok := events[len(events)-1].(FinalResult)
	require.True(t, ok)
	assert.Equal(t, "B", final.Response)
}

func TestSessionZeroTargets(t *testing.T) {
	s := NewSession(nil, joinMerge)
	events := drain(s.Events())
	require.Len(t, events, 1)
	assert.Equal(t, FinalResult{Response: ""}, events[0])
	assert.Equal(t, StateDone, s.State())
}

func TestSessionHeartbeatNeverBlocks(t *testing.T) {
	s := NewSession([]string{"a", "b", "c"}, joinMerge)
	queued := 0
	for i := 0; i < 100; i++ {
		if s.Heartbeat() {
			queued++
		}
	}
	assert.Equal(t, heartbeatSlack, queued)

	// Every remaining real event still fits without a reader.
	require.NoError(t, s.Resolve("a", "A", nil))
	require.NoError(t, s.Resolve("b", "B", nil))
	require.NoError(t, s.Resolve("c", "C", nil))
	assert.Equal(t, StateDone, s.State())
}

func TestSessionMergeErrorIsVerbatim(t *testing.T) {
	boom := protocol.NewError(protocol.KindUpstream, "a", "bad arguments")
	s := NewSession([]string{"a"}, func(results []Result) (any, error) {
		return nil, results[0].Err
	})
	require.NoError(t, s.Resolve("a", nil, boom))
	events := drain(s.Events())
	last, ok := events[len(events)-1].(ErrorEvent)
	require.True(t, ok)
	assert.Same(t, boom, last.Err)
}

func TestSessionNotifyRelaysProgress(t *testing.T) {
	s := NewSession([]string{"a"}, joinMerge)
	require.True(t, s.Notify(Progress{Current: 0.5, Total: 1, Message: "halfway"}))
	assert.False(t, s.Notify(FinalResult{}), "terminal events cannot be injected")
	require.NoError(t, s.Resolve("a", "A", nil))

	events := drain(s.Events())
	assert.Equal(t, Progress{Current: 0.5, Total: 1, Message: "halfway"}, events[1])
	assert.Equal(t, TypeFinalResult, events[len(events)-1].EventType())
}

func TestEventJSON(t *testing.T) {
	raw, err := json.Marshal(Progress{Current: 1, Total: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","current":1,"total":3}`, string(raw))

	raw, err = json.Marshal(PartialResult{Source: "a", Data: map[string]int{"n": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"partial_result","source":"a","data":{"n":1}}`, string(raw))

	raw, err = json.Marshal(ErrorEvent{Err: protocol.NewError(protocol.KindRejected, "a", "open")})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"error"`)
	assert.Contains(t, string(raw), `"code":-32001`)

	raw, err = json.Marshal(Heartbeat{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(raw))
}

func TestAggregatorRunsAllTargets(t *testing.T) {
	a := &Aggregator{MaxConcurrency: 2}
	var inFlight, peak atomic.Int32
	s := a.Run(context.Background(), []string{"a", "b", "c", "d"}, joinMerge, func(_ context.Context, _ *Session, target string) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return strings.ToUpper(target), nil
	})

	got, err := Collect(context.Background(), s.Events())
	require.NoError(t, err)
	assert.Equal(t, "A,B,C,D", got)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAggregatorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{Heartbeat: 5 * time.Millisecond}
	stopped := make(chan struct{})
	s := a.Run(ctx, []string{"slow"}, joinMerge, func(ctx context.Context, _ *Session, _ string) (any, error) {
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})

	time.Sleep(20 * time.Millisecond)
	cancel()

	var last Event
	for ev := range s.Events() {
		last = ev
	}
	errEv, ok := last.(ErrorEvent)
	require.True(t, ok)
	assert.ErrorIs(t, errEv.Err, context.Canceled)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatch was not cancelled")
	}
}
