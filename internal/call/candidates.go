package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateSink is what a CandidateBuffer drains into.
type CandidateSink interface {
	AddICECandidate(c webrtc.ICECandidateInit) error
}

// CandidateBuffer holds remote ICE candidates that arrived before the remote
// description they belong to.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

func (b *CandidateBuffer) Enqueue(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	b.pending = append(b.pending, c)
	b.mu.Unlock()
}

func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DrainInto applies every buffered candidate in arrival order and empties the
// buffer. A candidate the sink rejects is skipped; the returned error joins
// all rejections. Draining an empty buffer is a no-op.
func (b *CandidateBuffer) DrainInto(sink CandidateSink) (int, error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	applied := 0
	var errs []error
	for i, c := range pending {
		if err := sink.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("candidate %d: %w", i, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// Clear drops everything buffered.
func (b *CandidateBuffer) Clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}
