package noise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("security.noise")

// ID Noise 协议标识
const ID = protocol.Noise

// Transport Noise 协议传输
type Transport struct {
	id *identity.Identity
}

// New 创建 Noise 传输
func New(id *identity.Identity) (*Transport, error) {
	if id == nil {
		return nil, errors.New("identity is nil")
	}
	return &Transport{id: id}, nil
}

// SecureInbound 以响应者身份保护连接
func (t *Transport) SecureInbound(ctx context.Context, conn net.Conn) (*Conn, error) {
	return t.secure(ctx, conn, "", false)
}

// SecureOutbound 以发起者身份保护连接
//
// remotePeer 非空时校验对端身份。
func (t *Transport) SecureOutbound(ctx context.Context, conn net.Conn, remotePeer types.PeerID) (*Conn, error) {
	return t.secure(ctx, conn, remotePeer, true)
}

// Secure 按指定角色保护连接（打洞连接双方都是主动拨号方，角色由协调结果决定）
func (t *Transport) Secure(ctx context.Context, conn net.Conn, remotePeer types.PeerID, initiator bool) (*Conn, error) {
	return t.secure(ctx, conn, remotePeer, initiator)
}

func (t *Transport) secure(ctx context.Context, conn net.Conn, remotePeer types.PeerID, initiator bool) (*Conn, error) {
	if conn == nil {
		return nil, errors.New("conn is nil")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// ctx 取消时中断阻塞中的握手读写
	done := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	res, err := performHandshake(conn, t.id.PrivateKey(), remotePeer, initiator)
	close(done)
	<-watcher
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		log.Debug("Noise 握手失败", "remotePeer", remotePeer.ShortString(), "initiator", initiator, "err", err)
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("reset deadline: %w", err)
	}

	log.Debug("Noise 握手成功", "remotePeer", res.remotePeer.ShortString(), "initiator", initiator)
	return &Conn{
		Conn:       conn,
		sendCS:     res.send,
		recvCS:     res.recv,
		localPeer:  t.id.ID(),
		remotePeer: res.remotePeer,
		remoteKey:  res.remoteKey,
	}, nil
}
