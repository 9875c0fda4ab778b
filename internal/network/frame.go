// Package network relays PHY frames between live nodes through a QUIC hub.
// Frames ride in QUIC datagrams; frames too large for a datagram fall back to
// one unidirectional stream each.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const (
	// maxFrameSize bounds a PHY frame carrying the largest sealed tag.
	maxFrameSize = proto.MaxTagSize + 256

	idleTimeout   = 30 * time.Second
	keepAlive     = 10 * time.Second
	streamTimeout = 8 * time.Second
)

var ErrFrameTooLarge = errors.New("frame too large")

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), streamTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, streamTimeout)
}

// writeFrame sends frame as a datagram, or on a fresh uni stream when the
// path MTU is too small.
func writeFrame(ctx context.Context, conn *quic.Conn, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	err := conn.SendDatagram(frame)
	var tooLarge *quic.DatagramTooLargeError
	if err == nil || !errors.As(err, &tooLarge) {
		return err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	s, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := s.Write(frame); err != nil {
		s.CancelWrite(0)
		return err
	}
	return s.Close()
}

func readFrame(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

func hostOf(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
