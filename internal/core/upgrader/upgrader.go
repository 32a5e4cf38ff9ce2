// Package upgrader 实现连接升级器
//
// 升级流程：
//  1. 协商安全协议（multistream-select，/noise）
//  2. Noise XX 握手
//  3. 协商多路复用器（multistream-select，/yamux/1.0.0）
//  4. 创建 yamux 会话
//
// 握手发起方同时是 yamux 客户端。普通连接中发起方为拨号方；
// 打洞连接双方都在拨号，由协调结果指定发起方。
package upgrader

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/muxer"
	"github.com/dep2p/go-natlink/internal/core/security/noise"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("upgrader")

// Upgrader 连接升级器
type Upgrader struct {
	security *noise.Transport
	muxCfg   muxer.Config
}

// New 创建连接升级器
func New(id *identity.Identity, muxCfg muxer.Config) (*Upgrader, error) {
	if id == nil {
		return nil, ErrNilIdentity
	}
	security, err := noise.New(id)
	if err != nil {
		return nil, err
	}
	return &Upgrader{security: security, muxCfg: muxCfg}, nil
}

// Upgrade 按连接方向升级连接
//
// 出站连接必须提供 remotePeer；入站连接接受任意对端。
func (u *Upgrader) Upgrade(ctx context.Context, conn net.Conn, dir types.Direction, remotePeer types.PeerID) (*Conn, error) {
	if dir == types.DirOutbound && remotePeer == "" {
		conn.Close()
		return nil, ErrNoPeerID
	}
	return u.UpgradeAs(ctx, conn, remotePeer, dir == types.DirOutbound)
}

// UpgradeAs 以指定的握手角色升级连接
func (u *Upgrader) UpgradeAs(ctx context.Context, conn net.Conn, remotePeer types.PeerID, initiator bool) (*Conn, error) {
	isServer := !initiator

	log.Debug("协商安全协议", "initiator", initiator, "remotePeer", remotePeer.ShortString())
	if err := negotiate(ctx, conn, noise.ID, isServer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("security negotiation: %w", err)
	}

	secConn, err := u.security.Secure(ctx, conn, remotePeer, initiator)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	if err := negotiate(ctx, secConn, muxer.ID, isServer); err != nil {
		secConn.Close()
		return nil, fmt.Errorf("muxer negotiation: %w", err)
	}

	mux, err := muxer.New(secConn, isServer, u.muxCfg)
	if err != nil {
		secConn.Close()
		return nil, fmt.Errorf("%w: %w", ErrMuxerSetupFailed, err)
	}

	log.Debug("连接升级成功", "remotePeer", secConn.RemotePeer().ShortString(), "initiator", initiator)
	return &Conn{Muxer: mux, sec: secConn}, nil
}

// ============================================================================
//                              已升级连接
// ============================================================================

// Conn 已加密并多路复用的连接
type Conn struct {
	*muxer.Muxer
	sec *noise.Conn
}

// LocalPeer 本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.sec.LocalPeer()
}

// RemotePeer 远端节点 ID
func (c *Conn) RemotePeer() types.PeerID {
	return c.sec.RemotePeer()
}

// RemotePublicKey 远端身份公钥
func (c *Conn) RemotePublicKey() ed25519.PublicKey {
	return c.sec.RemotePublicKey()
}

// LocalAddr 底层连接本地地址
func (c *Conn) LocalAddr() net.Addr {
	return c.sec.LocalAddr()
}

// RemoteAddr 底层连接远端地址
func (c *Conn) RemoteAddr() net.Addr {
	return c.sec.RemoteAddr()
}
