package socketio

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ansmatterer/siosession"
)

// Socket.IO client defaults
const (
	defaultReconnectionDelay    = time.Second
	defaultReconnectionDelayMax = 5 * time.Second
	defaultRandomizationFactor  = 0.5
)

type reconnectManager struct {
	t      *Transport
	mutex  sync.Mutex
	cancel context.CancelFunc
	rand   func() float64
	sleep  func(ctx context.Context, d time.Duration) bool
}

func newReconnectManager(t *Transport) *reconnectManager {
	return &reconnectManager{
		t:     t,
		rand:  rand.Float64,
		sleep: sleepCtx,
	}
}

// trigger starts a reconnection loop unless one is running.
func (r *reconnectManager) trigger() {
	r.mutex.Lock()
	if r.cancel != nil {
		r.mutex.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mutex.Unlock()

	go r.run(ctx)
}

// stop ends a running loop.
func (r *reconnectManager) stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *reconnectManager) finish(ctx context.Context) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if ctx.Err() == nil && r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// run retries with exponential backoff until a connection is open, the
// attempt limit is reached or stop is called. Every attempt is announced on
// the inbound feed. The attempt count belongs to this run only, so a stopped
// loop never disturbs the next one.
func (r *reconnectManager) run(ctx context.Context) {
	defer r.finish(ctx)
	t := r.t
	attempts := 0
	for {
		opts := t.options()
		if limit, ok := opts.ReconnectionAttempts(); ok && limit > 0 && attempts >= limit {
			t.log.Warn().Int("attempts", attempts).Msg("max reconnect attempts reached")
			t.publish(siosession.StatusMessage(siosession.StatusEvent{
				Status: siosession.StatusError,
				Reason: "reconnection failed after max attempts",
			}))
			return
		}

		delay := r.calculateDelay(opts, attempts)
		attempts++
		t.log.Info().Dur("delay", delay).Int("attempt", attempts).Msg("reconnecting")
		if !r.sleep(ctx, delay) {
			return
		}

		t.publish(siosession.StatusMessage(siosession.StatusEvent{Status: siosession.StatusConnecting}))
		sid, err := t.open(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log.Warn().Err(err).Int("attempt", attempts).Msg("reconnect failed")
			continue
		}
		t.publish(siosession.StatusMessage(siosession.StatusEvent{
			Status:    siosession.StatusConnected,
			SessionID: sid,
		}))
		return
	}
}

// calculateDelay is delay*2^attempts with +/- randomizationFactor jitter,
// capped at the max delay.
func (r *reconnectManager) calculateDelay(opts *siosession.ConnectionOptions, attempts int) time.Duration {
	base, ok := opts.ReconnectionDelay()
	if !ok {
		base = defaultReconnectionDelay
	}
	maxDelay, ok := opts.ReconnectionDelayMax()
	if !ok {
		maxDelay = defaultReconnectionDelayMax
	}
	jitter, ok := opts.RandomizationFactor()
	if !ok {
		jitter = defaultRandomizationFactor
	}

	delay := float64(base) * math.Pow(2, float64(attempts))
	if jitter > 0 {
		rnd := r.rand()
		deviation := math.Floor(rnd * jitter * delay)
		if int(math.Floor(rnd*10))&1 == 0 {
			delay -= deviation
		} else {
			delay += deviation
		}
	}
	if delay > float64(maxDelay) {
		return maxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
