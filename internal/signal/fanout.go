package signal

import "sync"

// subscriberCap is the buffer size of each subscription channel. The call
// manager drains its subscription continuously; the buffer absorbs bursts of
// trickled candidates.
const subscriberCap = 256

// fanout delivers inbound envelopes to every subscriber. Sends never block:
// a subscriber whose buffer is full loses the envelope.
type fanout struct {
	mu     sync.RWMutex
	subs   map[chan *Envelope]struct{}
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[chan *Envelope]struct{})}
}

// subscribe returns a receive channel and a cancel func. cancel is safe to
// call more than once and after close.
func (f *fanout) subscribe() (<-chan *Envelope, func()) {
	ch := make(chan *Envelope, subscriberCap)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *fanout) publish(env *Envelope) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- env:
		default:
			log.Warnf("SIGNAL: subscriber full, dropping %s from %s", env.Payload.Type, env.From)
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
