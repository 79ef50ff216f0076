package siosession

import "sync"

// statusStream fans StatusEvents out to every subscriber. Each subscriber has
// its own unbounded queue, so publishing never blocks and nothing is lost.
type statusStream struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newStatusStream() *statusStream {
	return &statusStream{subs: make(map[*Subscription]struct{})}
}

// Subscription receives every event published after it was created. C is
// closed after Close or, once the queued events are read, when the stream
// shuts down. A consumer that stops reading C must call Close; otherwise the
// goroutine feeding C waits for it forever, even after Dispose.
type Subscription struct {
	C <-chan StatusEvent

	out    chan StatusEvent
	mu     sync.Mutex
	queue  []StatusEvent
	ended  bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	stream *statusStream
}

func (s *statusStream) subscribe() *Subscription {
	out := make(chan StatusEvent)
	sub := &Subscription{
		C:      out,
		out:    out,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		stream: s,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

func (s *statusStream) publish(ev StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for sub := range s.subs {
		sub.push(ev)
	}
}

func (s *statusStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for sub := range subs {
		sub.finish()
	}
}

func (s *statusStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *statusStream) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Close detaches the subscription. Events still queued are dropped.
func (sub *Subscription) Close() {
	sub.stream.remove(sub)
	sub.stop()
}

func (sub *Subscription) push(ev StatusEvent) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// finish lets the pump deliver what is queued, then close C.
func (sub *Subscription) finish() {
	sub.mu.Lock()
	sub.ended = true
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			ended := sub.ended
			sub.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case <-sub.done:
			return
		default:
		}
		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}
