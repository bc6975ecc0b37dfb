package call

import "sync"

// broadcast fans values out to subscribers. Publishing never blocks; a
// subscriber that falls a full buffer behind misses values, except the one
// passed to closeWith, which always arrives last.
type broadcast[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]struct{}
	closed  bool
	bufSize int
	dropped int
}

func newBroadcast[T any](bufSize int) *broadcast[T] {
	return &broadcast[T]{subs: make(map[chan T]struct{}), bufSize: bufSize}
}

// subscribe returns a channel primed with initial. cancel may be called any
// number of times. Subscribing after close yields the primed values followed
// by a closed channel.
func (b *broadcast[T]) subscribe(initial ...T) (<-chan T, func()) {
	ch := make(chan T, b.bufSize+len(initial))
	for _, v := range initial {
		ch <- v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *broadcast[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped++
		}
	}
}

func (b *broadcast[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// closeWith delivers v to every subscriber and then closes. A full
// subscriber loses its oldest queued value to make room for v.
func (b *broadcast[T]) closeWith(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		for sent := false; !sent; {
			select {
			case ch <- v:
				sent = true
			default:
				select {
				case <-ch:
					b.dropped++
				default:
				}
			}
		}
	}
	b.closeLocked()
}

func (b *broadcast[T]) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
