package upgrader

import (
	"context"
	"fmt"
	"net"
	"time"

	mss "github.com/multiformats/go-multistream"

	"github.com/dep2p/go-natlink/pkg/protocol"
)

// defaultNegotiateTimeout 默认协商超时
const defaultNegotiateTimeout = 60 * time.Second

// negotiate 使用 multistream-select 协商单个协议
//
// 服务器端使用 MultistreamMuxer.Negotiate()，客户端使用 SelectOneOf()。
func negotiate(ctx context.Context, conn net.Conn, proto protocol.ID, isServer bool) error {
	deadline := time.Now().Add(defaultNegotiateTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	var (
		selected string
		err      error
	)
	if isServer {
		muxer := mss.NewMultistreamMuxer[string]()
		muxer.AddHandler(string(proto), nil)
		selected, _, err = muxer.Negotiate(conn)
	} else {
		selected, err = mss.SelectOneOf([]string{string(proto)}, conn)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNegotiationFailed, proto, err)
	}
	if selected != string(proto) {
		return fmt.Errorf("%w: unexpected protocol %s", ErrNegotiationFailed, selected)
	}
	return nil
}
