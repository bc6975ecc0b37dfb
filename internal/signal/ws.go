package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsRedialDelay  = 2 * time.Second
	wsPingInterval = 20 * time.Second
)

// WSClient is a Signaler backed by a WebSocket relay. The relay is addressed
// as <url>?id=<self>; every text frame in either direction is one Envelope.
// A dropped connection is redialled until Close.
type WSClient struct {
	url    string
	self   string
	dialer *websocket.Dialer

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	connected atomic.Bool
	fan       *fanout

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to the relay at rawURL as self. The initial dial must
// succeed; later disconnects are recovered in the background.
func DialWS(ctx context.Context, rawURL, self string) (*WSClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("id", self)
	u.RawQuery = q.Encode()

	c := &WSClient{
		url:    u.String(),
		self:   self,
		dialer: websocket.DefaultDialer,
		fan:    newFanout(),
		done:   make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c.setConn(conn)
	go c.run(conn)
	log.Infof("SIGNAL: connected to relay %s as %s", u.Host, self)
	return c, nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(conn != nil)
}

// ID returns the local user id.
func (c *WSClient) ID() string { return c.self }

// Connected reports whether the relay socket is currently up.
func (c *WSClient) Connected() bool { return c.connected.Load() }

// Send writes one envelope to the relay.
func (c *WSClient) Send(ctx context.Context, to string, msg Message) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrUnavailable
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b, err := Encode(&Envelope{To: to, From: c.self, Payload: msg})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send %s to %s: %w: %v", msg.Type, to, ErrUnavailable, err)
	}
	return nil
}

// Subscribe returns the inbound envelope stream.
func (c *WSClient) Subscribe() (<-chan *Envelope, func()) {
	return c.fan.subscribe()
}

// Close shuts the socket and stops redialling.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()
		c.connected.Store(false)
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.fan.close()
	})
	return nil
}

// run reads from conn until it fails, then redials.
func (c *WSClient) run(conn *websocket.Conn) {
	for {
		c.readLoop(conn)
		c.setConn(nil)

		for {
			select {
			case <-c.done:
				return
			case <-time.After(wsRedialDelay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsRedialDelay*2)
			next, err := c.dial(ctx)
			cancel()
			if err != nil {
				log.Debugf("SIGNAL: relay redial failed: %v", err)
				continue
			}
			select {
			case <-c.done:
				_ = next.Close()
				return
			default:
			}
			log.Infof("SIGNAL: relay reconnected")
			c.setConn(next)
			conn = next
			break
		}
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-t.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warnf("SIGNAL: relay read error: %v", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		env, err := Decode(data)
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
