package router

import (
	"context"
	"errors"
	"sync"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
)

// member owns the client of one upstream. Concurrent callers share a single
// dial and handshake.
type member struct {
	inst upstream.Instance

	mu         sync.Mutex
	client     upstream.Client
	connecting bool
	connectCh  chan struct{}
	closed     bool
}

func newMember(inst upstream.Instance) *member {
	return &member{inst: inst}
}

// get returns an initialized client, dialing if there is none.
func (m *member) get(ctx context.Context, dial upstream.DialFunc) (upstream.Client, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, protocol.NewError(protocol.KindTransport, m.inst.Name, "upstream removed")
		}
		if m.client != nil {
			client := m.client
			m.mu.Unlock()
			return client, nil
		}
		if m.connecting {
			ch := m.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
				continue
			}
		}
		m.connecting = true
		m.connectCh = make(chan struct{})
		m.mu.Unlock()

		client, err := m.establish(ctx, dial)

		m.mu.Lock()
		m.connecting = false
		close(m.connectCh)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if m.closed {
			m.mu.Unlock()
			_ = client.Close()
			return nil, protocol.NewError(protocol.KindTransport, m.inst.Name, "upstream removed")
		}
		m.client = client
		m.mu.Unlock()
		return client, nil
	}
}

func (m *member) establish(ctx context.Context, dial upstream.DialFunc) (upstream.Client, error) {
	client, err := dial(ctx, m.inst)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if _, ok := protocol.AsError(err); ok {
			return nil, err
		}
		return nil, protocol.WrapError(protocol.KindTransport, m.inst.Name, err)
	}
	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// discard drops client after a transport failure so the next call redials.
func (m *member) discard(client upstream.Client) {
	m.mu.Lock()
	if m.client != client {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.mu.Unlock()
	_ = client.Close()
}

// observe discards the client if err says the connection is gone.
func (m *member) observe(client upstream.Client, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, protocol.ErrTransport) || errors.Is(err, upstream.ErrConnectionBroken) {
		m.discard(client)
	}
}

func (m *member) close() error {
	m.mu.Lock()
	m.closed = true
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// upstreamSet is an immutable view of the configured upstreams in
// configuration order.
type upstreamSet struct {
	order  []*member
	byName map[string]*member
}

func (s *upstreamSet) lookup(name string) (*member, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// routable returns enabled members in configuration order.
func (s *upstreamSet) routable() []*member {
	out := make([]*member, 0, len(s.order))
	for _, m := range s.order {
		if m.inst.Enabled {
			out = append(out, m)
		}
	}
	return out
}
