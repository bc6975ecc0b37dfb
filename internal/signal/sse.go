package signal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/google/uuid"
)

// SSEClient is a Signaler for relays that speak plain HTTP: inbound envelopes
// arrive on an event stream at <base>/events?id=<self>, outbound envelopes are
// POSTed to <base>/send. The event stream reconnects on its own.
type SSEClient struct {
	base   string
	self   string
	client *http.Client

	stream    *eventsource.Stream
	tr        *streamTransport
	connected atomic.Bool
	fan       *fanout

	closeOnce sync.Once
	done      chan struct{}
}

// DialSSE subscribes to the relay event stream at base as self.
func DialSSE(ctx context.Context, base, self string) (*SSEClient, error) {
	base = strings.TrimRight(base, "/")
	q := url.Values{"id": {self}}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The stream reuses this request on every reconnect, so it must not
	// carry a context that is cancelled after dialing. Close goes through
	// the transport instead.
	req, err := http.NewRequest(http.MethodGet, base+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	tr := newStreamTransport(http.DefaultTransport)
	stream, err := eventsource.SubscribeWith("", &http.Client{Transport: tr}, req)
	if err != nil {
		tr.stop()
		return nil, fmt.Errorf("subscribe relay: %w", err)
	}

	c := &SSEClient{
		base:   base,
		self:   self,
		client: &http.Client{Timeout: wsWriteTimeout},
		stream: stream,
		tr:     tr,
		fan:    newFanout(),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	log.Infof("SIGNAL: subscribed to relay %s as %s", base, self)
	return c, nil
}

// ID returns the local user id.
func (c *SSEClient) ID() string { return c.self }

// Connected reports whether the event stream is currently healthy.
func (c *SSEClient) Connected() bool { return c.connected.Load() }

// Send POSTs one envelope to the relay.
func (c *SSEClient) Send(ctx context.Context, to string, msg Message) error {
	select {
	case <-c.done:
		return ErrUnavailable
	default:
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b, err := Encode(&Envelope{To: to, From: c.self, Payload: msg})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/send", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w: %v", msg.Type, to, ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("send %s to %s: %w", msg.Type, to, ErrUnreachable)
	case resp.StatusCode >= 300:
		return fmt.Errorf("send %s to %s: relay returned %s", msg.Type, to, resp.Status)
	}
	return nil
}

// Subscribe returns the inbound envelope stream.
func (c *SSEClient) Subscribe() (<-chan *Envelope, func()) {
	return c.fan.subscribe()
}

// Close stops the event stream. Subscriptions close right away; the
// eventsource goroutine is wound down in the background.
func (c *SSEClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connected.Store(false)
		c.tr.stop()
	})
	return nil
}

// readLoop owns the stream channels. Stream.Close closes Events and Errors
// under the feet of the eventsource goroutine, so after Close the loop keeps
// draining both until that goroutine is parked in streamTransport, and only
// then closes the stream.
func (c *SSEClient) readLoop() {
	retry := time.Second
	done := c.done
	for {
		select {
		case <-done:
			done = nil
			c.fan.close()
		case <-c.tr.parked:
			c.fan.close()
			c.stream.Close()
			close(c.tr.release)
			return
		case err := <-c.stream.Errors:
			if done == nil {
				continue
			}
			if c.connected.Swap(false) {
				log.Warnf("SIGNAL: relay stream error (retrying every %s): %v", retry, err)
			}
		case ev := <-c.stream.Events:
			if done == nil {
				continue
			}
			c.connected.Store(true)
			env, err := Decode([]byte(ev.Data()))
			if err != nil {
				log.Warnf("SIGNAL: dropping malformed envelope: %v", err)
				continue
			}
			if env.To != "" && env.To != c.self {
				continue
			}
			c.fan.publish(env)
		}
	}
}

// streamTransport carries the event stream. stop aborts the open response
// body; the next reconnect then parks until release, and gets an empty
// stream that the closed eventsource.Stream gives up on without sending.
type streamTransport struct {
	base   http.RoundTripper
	ctx    context.Context
	cancel context.CancelFunc

	parkOnce sync.Once
	parked   chan struct{}
	release  chan struct{}
}

func newStreamTransport(base http.RoundTripper) *streamTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamTransport{
		base:    base,
		ctx:     ctx,
		cancel:  cancel,
		parked:  make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (t *streamTransport) stop() { t.cancel() }

func (t *streamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ctx.Err() != nil {
		t.parkOnce.Do(func() { close(t.parked) })
		<-t.release
		return &http.Response{
			Status:     "200 OK",
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}
	return t.base.RoundTrip(req.WithContext(t.ctx))
}
