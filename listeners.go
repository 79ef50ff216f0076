package siosession

import (
	"context"
	"sync"
)

// On registers handler for event. Without a session the handler is parked
// and registered with the transport once a connection is established; this
// never fails. Registering an event that is already active only swaps the
// handler.
func (m *Manager) On(ctx context.Context, event string, handler Handler) error {
	if handler == nil {
		return NewError(KindEventError, "nil handler for %q", event)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return errDisposed
	}
	delete(m.cancelled, event)
	if m.status != StatusConnected {
		delete(m.active, event)
		m.pending[event] = handler
		m.mu.Unlock()
		m.log.Debug().Str("event", event).Msg("listener queued until connected")
		return nil
	}
	if _, ok := m.active[event]; ok {
		m.active[event] = handler
		m.mu.Unlock()
		return nil
	}
	if _, busy := m.inflight[event]; busy {
		// whoever is registering it picks up the newest handler
		m.pending[event] = handler
		m.mu.Unlock()
		return nil
	}
	m.inflight[event] = struct{}{}
	m.pending[event] = handler
	m.mu.Unlock()

	err := m.transport.Listen(ctx, event)

	m.mu.Lock()
	delete(m.inflight, event)
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	if _, gone := m.cancelled[event]; gone {
		delete(m.cancelled, event)
		m.mu.Unlock()
		if err == nil {
			m.unlistenQuietly(ctx, event)
		}
		return nil
	}
	h := m.pending[event]
	switch {
	case err == nil && m.status == StatusConnected:
		delete(m.pending, event)
		m.active[event] = h
		m.mu.Unlock()
		m.log.Debug().Str("event", event).Msg("listening")
		return nil
	case err == nil, isNotConnected(err):
		// the session went away underneath us; stays pending
		m.mu.Unlock()
		m.log.Debug().Str("event", event).Msg("listener demoted, not connected")
		return nil
	}
	delete(m.pending, event)
	m.mu.Unlock()
	return wrap(KindEventError, "listen "+event+" failed", err)
}

// Off removes event from both registries. Unknown events are a no-op.
func (m *Manager) Off(ctx context.Context, event string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	delete(m.pending, event)
	if _, busy := m.inflight[event]; busy {
		m.cancelled[event] = struct{}{}
	}
	_, active := m.active[event]
	m.mu.Unlock()

	if !active {
		return nil
	}
	if err := m.transport.Unlisten(ctx, event); err != nil {
		return wrap(KindEventError, "unlisten "+event+" failed", err)
	}

	m.mu.Lock()
	delete(m.active, event)
	m.mu.Unlock()
	m.log.Debug().Str("event", event).Msg("stopped listening")
	return nil
}

// Emit sends event with data. Before a session exists the call is dropped
// without error.
func (m *Manager) Emit(ctx context.Context, event string, data Value) error {
	m.mu.Lock()
	live := !m.disposed && m.status == StatusConnected
	m.mu.Unlock()
	if !live {
		m.log.Debug().Str("event", event).Msg("emit dropped, not connected")
		return nil
	}

	err := m.transport.Emit(ctx, event, data)
	if err == nil {
		return nil
	}
	if isNotConnected(err) {
		m.log.Debug().Str("event", event).Msg("emit dropped, connection lost")
		return nil
	}
	return wrap(KindEmissionFailed, "emit "+event+" failed", err)
}

type listenOutcome struct {
	event string
	err   error
}

// promotePending registers every pending listener with the transport. Each
// event is attempted independently; failures are logged and the entry stays
// pending until the next connection or an explicit On. Events already being
// registered by a concurrent call are skipped.
func (m *Manager) promotePending(ctx context.Context) {
	m.mu.Lock()
	if m.disposed || m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	var batch []string
	for event := range m.pending {
		if _, busy := m.inflight[event]; busy {
			continue
		}
		m.inflight[event] = struct{}{}
		batch = append(batch, event)
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	outcomes := make(chan listenOutcome, len(batch))
	var wg sync.WaitGroup
	for _, event := range batch {
		wg.Add(1)
		go func(event string) {
			defer wg.Done()
			outcomes <- listenOutcome{event: event, err: m.transport.Listen(ctx, event)}
		}(event)
	}
	wg.Wait()
	close(outcomes)

	var orphans []string
	promoted, failed := 0, 0
	m.mu.Lock()
	for o := range outcomes {
		delete(m.inflight, o.event)
		if m.disposed {
			continue
		}
		if _, gone := m.cancelled[o.event]; gone {
			delete(m.cancelled, o.event)
			if o.err == nil {
				orphans = append(orphans, o.event)
			}
			continue
		}
		if o.err != nil {
			failed++
			m.log.Warn().Err(o.err).Str("event", o.event).Msg("pending listener not registered")
			continue
		}
		h, ok := m.pending[o.event]
		if !ok || m.status != StatusConnected {
			continue
		}
		delete(m.pending, o.event)
		m.active[o.event] = h
		promoted++
	}
	m.mu.Unlock()

	for _, event := range orphans {
		m.unlistenQuietly(ctx, event)
	}
	m.log.Debug().Int("promoted", promoted).Int("failed", failed).Msg("pending listeners promoted")
}

// demoteActiveLocked parks every active listener so the next connection
// registers it again. Callers hold m.mu.
func (m *Manager) demoteActiveLocked() {
	for event, h := range m.active {
		if _, ok := m.pending[event]; !ok {
			m.pending[event] = h
		}
		delete(m.active, event)
	}
}

func (m *Manager) dispatch(event string, data Value) {
	m.mu.Lock()
	h, ok := m.active[event]
	m.mu.Unlock()
	if !ok {
		m.log.Debug().Str("event", event).Msg("no listener, event dropped")
		return
	}
	m.safeCall("event "+event, func() { h(data) })
}

func (m *Manager) unlistenQuietly(ctx context.Context, event string) {
	if err := m.transport.Unlisten(ctx, event); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("unlisten of dropped listener failed")
	}
}
