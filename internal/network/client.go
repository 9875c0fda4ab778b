package network

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = time.Second
	defaultBuffer     = 256

	debugInterval = 5 * time.Second
)

type ClientOptions struct {
	Insecure bool
	CAPath   string
	Retries  int
	Buffer   int
}

// Client is one node's radio: it sends frames to the hub and yields the
// frames the hub relays from everyone else.
type Client struct {
	conn   *quic.Conn
	frames chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var ErrClosed = errors.New("client closed")

func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = clientMaxRetries
	}
	var conn *quic.Conn
	backoff := clientBackoffBase
	for attempt := 1; ; attempt++ {
		dctx, cancel := withDefaultTimeout(ctx)
		conn, err = quic.DialAddr(dctx, addr, tlsConf, quicConfig())
		cancel()
		if err == nil {
			break
		}
		if attempt >= retries || ctx.Err() != nil {
			return nil, err
		}
		debuglog.Debugf("dial %s attempt %d: %v", addr, attempt, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > clientBackoffMax {
			backoff = clientBackoffMax
		}
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{conn: conn, frames: make(chan []byte, buf), ctx: cctx, cancel: cancel}
	c.wg.Add(2)
	go c.readDatagrams()
	go c.readStreams()
	go func() {
		c.wg.Wait()
		close(c.frames)
	}()
	return c, nil
}

func (c *Client) push(b []byte) {
	select {
	case c.frames <- b:
	default:
		debuglog.RateLimitedf("client-overflow", debugInterval, "client: inbound buffer full, dropping frame")
	}
}

func (c *Client) readDatagrams() {
	defer c.wg.Done()
	for {
		b, err := c.conn.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		c.push(b)
	}
}

func (c *Client) readStreams() {
	defer c.wg.Done()
	for {
		s, err := c.conn.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		b, err := readFrame(s)
		if err != nil {
			continue
		}
		c.push(b)
	}
}

// Frames is closed once the connection ends.
func (c *Client) Frames() <-chan []byte { return c.frames }

func (c *Client) Send(frame []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return writeFrame(c.ctx, c.conn, frame)
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.conn.CloseWithError(0, "bye")
	})
	return err
}
