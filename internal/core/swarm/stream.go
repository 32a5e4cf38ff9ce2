package swarm

import (
	"context"
	"fmt"
	"net"
	"time"

	mss "github.com/multiformats/go-multistream"

	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var _ interfaces.Stream = (*Stream)(nil)

// rawConn 复用器打开的原始流
type rawConn = net.Conn

// Stream Swarm 流封装
type Stream struct {
	rawConn

	conn     *Conn
	protocol protocol.ID
}

// Protocol 返回协商后的协议 ID
func (s *Stream) Protocol() protocol.ID {
	return s.protocol
}

// Conn 返回所属连接
func (s *Stream) Conn() interfaces.Conn {
	return s.conn
}

// NewStream 在到 peer 的连接上打开流并协商协议
func (s *Swarm) NewStream(ctx context.Context, peer types.PeerID, protos ...protocol.ID) (interfaces.Stream, error) {
	if s.closed.Load() {
		return nil, ErrSwarmClosed
	}
	if len(protos) == 0 {
		return nil, fmt.Errorf("no protocol given")
	}
	c := s.bestConn(peer)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, peer.ShortString())
	}

	raw, err := c.uc.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.config.NegotiateTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = raw.SetDeadline(deadline)

	selected, err := mss.SelectOneOf(protos, raw)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("negotiate %v: %w", protos, err)
	}
	_ = raw.SetDeadline(time.Time{})

	return &Stream{rawConn: raw, conn: c, protocol: selected}, nil
}

// streamLoop 接受连接上的入站流直到连接关闭
func (s *Swarm) streamLoop(c *Conn) {
	defer s.wg.Done()

	for {
		raw, err := c.uc.AcceptStream()
		if err != nil {
			s.removeConn(c, err)
			return
		}
		go s.handleStream(c, raw)
	}
}

// handleStream 协商入站流的协议并交给处理器
func (s *Swarm) handleStream(c *Conn, raw net.Conn) {
	_ = raw.SetDeadline(time.Now().Add(s.config.NegotiateTimeout))

	mux := mss.NewMultistreamMuxer[protocol.ID]()
	for _, id := range s.Protocols() {
		mux.AddHandler(id, nil)
	}

	proto, _, err := mux.Negotiate(raw)
	if err != nil {
		log.Debug("入站流协商失败", "peer", c.RemotePeer().ShortString(), "err", err)
		_ = raw.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	h := s.handler(proto)
	if h == nil {
		_ = raw.Close()
		return
	}
	h(&Stream{rawConn: raw, conn: c, protocol: proto})
}
