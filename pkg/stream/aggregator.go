package stream

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DispatchFunc performs the work for one target. The session is passed so
// the work can relay advisory events through Notify.
type DispatchFunc func(ctx context.Context, session *Session, target string) (any, error)

// Aggregator runs a DispatchFunc against every target concurrently and feeds
// the outcomes into a Session.
type Aggregator struct {
	// Heartbeat is the interval between heartbeat events. Zero disables them.
	Heartbeat time.Duration
	// MaxConcurrency bounds in-flight dispatches. Zero means unbounded.
	MaxConcurrency int
	Logger         *slog.Logger
}

// Run starts the fan-out and returns immediately. Cancelling ctx cancels the
// session and every outstanding dispatch; the dispatch contexts are also
// cancelled once the session is done.
func (a *Aggregator) Run(ctx context.Context, targets []string, merge MergeFunc, dispatch DispatchFunc) *Session {
	session := NewSession(targets, merge)
	runCtx, cancel := context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(runCtx)
	if a.MaxConcurrency > 0 {
		g.SetLimit(a.MaxConcurrency)
	}
	go func() {
		for _, target := range session.Targets() {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				data, err := dispatch(gctx, session, target)
				if ctx.Err() != nil {
					session.Cancel()
					return nil
				}
				if rErr := session.Resolve(target, data, err); rErr != nil {
					a.logger().Debug("late resolution ignored", "session", session.ID(), "target", target, "error", rErr)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	go func() {
		defer cancel()
		var tick <-chan time.Time
		if a.Heartbeat > 0 {
			ticker := time.NewTicker(a.Heartbeat)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-session.Done():
				return
			case <-ctx.Done():
				session.Cancel()
				return
			case <-tick:
				session.Heartbeat()
			}
		}
	}()
	return session
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Collect drains events until the terminal one and returns the merged
// response or the terminal error.
func Collect(ctx context.Context, events <-chan Event) (any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrSessionDone
			}
			switch e := ev.(type) {
			case FinalResult:
				return e.Response, nil
			case ErrorEvent:
				return nil, e.Err
			}
		}
	}
}
