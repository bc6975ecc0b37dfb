// Package logtail keeps the tail of the process log in memory for the
// local HTTP surface.
package logtail

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/callcore/internal/util"
)

// Line is one captured log line. Level and Subsystem are empty for lines
// that are not in go-log's plaintext layout.
type Line struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

type Buffer struct {
	mu      sync.Mutex
	lines   *util.RingBuffer[Line]
	subs    map[chan Line]struct{}
	partial []byte
}

func New(size int) *Buffer {
	if size <= 0 {
		size = 500
	}
	return &Buffer{
		lines: util.NewRingBuffer[Line](size),
		subs:  make(map[chan Line]struct{}),
	}
}

// Capture tees every go-log logger into b until stop is called.
func (b *Buffer) Capture() (stop func()) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		_, _ = io.Copy(b, pr)
	}()
	return func() { _ = pr.Close() }
}

// Write records complete lines; a trailing fragment waits for the next write.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		raw := strings.TrimRight(string(b.partial[:i]), "\r")
		b.partial = b.partial[i+1:]
		if strings.TrimSpace(raw) == "" {
			continue
		}
		l := parseLine(raw, time.Now())
		b.lines.Push(l)
		for ch := range b.subs {
			select {
			case ch <- l:
			default:
			}
		}
	}
	if len(b.partial) == 0 {
		b.partial = nil
	}
	return len(p), nil
}

// Snapshot returns the buffered lines matching f, oldest first.
func (b *Buffer) Snapshot(f Filter) []Line {
	all := b.lines.Snapshot()
	out := all[:0]
	for _, l := range all {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

// Subscribe streams lines written from now on. Slow readers miss lines.
func (b *Buffer) Subscribe() (<-chan Line, func()) {
	ch := make(chan Line, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// plaintext layout: ts \t LEVEL \t subsystem \t caller \t message
func parseLine(raw string, now time.Time) Line {
	f := strings.SplitN(raw, "\t", 5)
	if len(f) < 4 {
		return Line{TS: now, Msg: raw}
	}
	ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", f[0])
	if err != nil {
		return Line{TS: now, Msg: raw}
	}
	l := Line{TS: ts, Level: strings.ToLower(f[1]), Subsystem: f[2]}
	switch len(f) {
	case 5:
		l.Msg = f[4]
	default:
		l.Msg = f[3]
	}
	return l
}
