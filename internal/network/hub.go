package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/phy"
)

const (
	DefaultMaxConnsPerHost   = 64
	DefaultMaxStreamsPerHost = 32
)

type HubOptions struct {
	MaxConnsPerHost   int
	MaxStreamsPerHost int
}

// Hub is a broadcast radio stand-in: every valid frame a client sends is
// relayed to every other client.
type Hub struct {
	ln  *quic.Listener
	lim *hostLimiter
	log *logrus.Entry

	mu    sync.Mutex
	peers map[*quic.Conn]struct{}

	relayed atomic.Uint64
	dropped atomic.Uint64
}

func ListenHub(addr string, opts HubOptions) (*Hub, error) {
	if opts.MaxConnsPerHost == 0 {
		opts.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if opts.MaxStreamsPerHost == 0 {
		opts.MaxStreamsPerHost = DefaultMaxStreamsPerHost
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	h := &Hub{
		ln:    ln,
		lim:   newHostLimiter(opts.MaxConnsPerHost, opts.MaxStreamsPerHost),
		log:   debuglog.WithFields(logrus.Fields{"hub": ln.Addr().String()}),
		peers: make(map[*quic.Conn]struct{}),
	}
	h.log.Info("hub listening")
	return h, nil
}

func (h *Hub) Addr() net.Addr { return h.ln.Addr() }

func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) Relayed() uint64 { return h.relayed.Load() }
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Serve accepts clients until ctx ends or the listener closes.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		conn, err := h.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		host := hostOf(conn.RemoteAddr())
		if !h.lim.acquireConn(host) {
			h.log.WithField("remote", host).Warn("connection cap reached")
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		h.mu.Lock()
		h.peers[conn] = struct{}{}
		h.mu.Unlock()
		go h.serveConn(ctx, conn, host)
	}
}

func (h *Hub) serveConn(ctx context.Context, conn *quic.Conn, host string) {
	defer func() {
		h.mu.Lock()
		delete(h.peers, conn)
		h.mu.Unlock()
		h.lim.releaseConn(host)
	}()
	go h.acceptStreams(ctx, conn, host)
	for {
		b, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			h.log.WithField("remote", host).Debugf("client gone: %v", err)
			return
		}
		h.relay(ctx, conn, b)
	}
}

func (h *Hub) acceptStreams(ctx context.Context, conn *quic.Conn, host string) {
	for {
		s, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		if !h.lim.acquireStream(host) {
			s.CancelRead(1)
			h.dropped.Add(1)
			continue
		}
		go func() {
			defer h.lim.releaseStream(host)
			b, err := readFrame(s)
			if err != nil {
				h.dropped.Add(1)
				debuglog.RateLimitedf("hub-stream:"+host, debugInterval, "hub: stream from %s: %v", host, err)
				return
			}
			h.relay(ctx, conn, b)
		}()
	}
}

func (h *Hub) relay(ctx context.Context, from *quic.Conn, frame []byte) {
	if _, err := phy.Parse(frame); err != nil {
		h.dropped.Add(1)
		debuglog.RateLimitedf("hub-parse", debugInterval, "hub: dropping frame: %v", err)
		return
	}
	h.mu.Lock()
	targets := make([]*quic.Conn, 0, len(h.peers))
	for c := range h.peers {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := writeFrame(ctx, c, frame); err != nil {
			debuglog.RateLimitedf("hub-write:"+hostOf(c.RemoteAddr()), debugInterval, "hub: relay to %s: %v", c.RemoteAddr(), err)
			continue
		}
		h.relayed.Add(1)
	}
}

func (h *Hub) Close() error {
	err := h.ln.Close()
	h.mu.Lock()
	for c := range h.peers {
		_ = c.CloseWithError(0, "hub closing")
	}
	h.mu.Unlock()
	return err
}
