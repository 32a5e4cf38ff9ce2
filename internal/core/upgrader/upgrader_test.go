package upgrader

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/muxer"
	"github.com/dep2p/go-natlink/internal/core/security/noise"
	"github.com/dep2p/go-natlink/pkg/types"
)

func newTestUpgrader(t *testing.T) (*Upgrader, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	u, err := New(id, muxer.DefaultConfig())
	require.NoError(t, err)
	return u, id
}

// tcpPair 创建一对回环 TCP 连接
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		ch <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-ch
	require.NotNil(t, server)
	return client, server
}

type upgradeResult struct {
	conn *Conn
	err  error
}

// TestUpgrade 测试完整升级流程
func TestUpgrade(t *testing.T) {
	clientUp, clientID := newTestUpgrader(t)
	serverUp, serverID := newTestUpgrader(t)

	rawClient, rawServer := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverCh := make(chan upgradeResult, 1)
	go func() {
		c, err := serverUp.Upgrade(ctx, rawServer, types.DirInbound, "")
		serverCh <- upgradeResult{c, err}
	}()

	client, err := clientUp.Upgrade(ctx, rawClient, types.DirOutbound, serverID.ID())
	require.NoError(t, err)
	defer client.Close()

	sr := <-serverCh
	require.NoError(t, sr.err)
	server := sr.conn
	defer server.Close()

	assert.Equal(t, serverID.ID(), client.RemotePeer())
	assert.Equal(t, clientID.ID(), server.RemotePeer())
	assert.Equal(t, clientID.ID(), client.LocalPeer())
	assert.False(t, client.IsServer())
	assert.True(t, server.IsServer())

	// 流双向可用
	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			return
		}
		defer s.Close()
		_, _ = io.Copy(s, s)
	}()

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("echo"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(buf))

	t.Log("✅ 连接升级成功")
}

// TestUpgradeAs 测试指定握手角色（打洞场景）
func TestUpgradeAs(t *testing.T) {
	aUp, aID := newTestUpgrader(t)
	bUp, bID := newTestUpgrader(t)

	rawA, rawB := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 接受方 B 被指定为发起者
	ch := make(chan upgradeResult, 1)
	go func() {
		c, err := bUp.UpgradeAs(ctx, rawB, aID.ID(), true)
		ch <- upgradeResult{c, err}
	}()

	a, err := aUp.UpgradeAs(ctx, rawA, bID.ID(), false)
	require.NoError(t, err)
	defer a.Close()

	br := <-ch
	require.NoError(t, br.err)
	defer br.conn.Close()

	assert.True(t, a.IsServer())
	assert.False(t, br.conn.IsServer())
	assert.Equal(t, bID.ID(), a.RemotePeer())
}

// TestUpgrade_PeerMismatch 测试对端身份不符
func TestUpgrade_PeerMismatch(t *testing.T) {
	clientUp, _ := newTestUpgrader(t)
	serverUp, _ := newTestUpgrader(t)
	_, other := newTestUpgrader(t)

	rawClient, rawServer := tcpPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverCh := make(chan upgradeResult, 1)
	go func() {
		c, err := serverUp.Upgrade(ctx, rawServer, types.DirInbound, "")
		serverCh <- upgradeResult{c, err}
	}()

	_, err := clientUp.Upgrade(ctx, rawClient, types.DirOutbound, other.ID())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.ErrorIs(t, err, noise.ErrPeerIDMismatch)

	sr := <-serverCh
	assert.Error(t, sr.err)
}

// TestUpgrade_NoPeerID 测试出站缺少 PeerID
func TestUpgrade_NoPeerID(t *testing.T) {
	u, _ := newTestUpgrader(t)
	c, s := net.Pipe()
	defer s.Close()

	_, err := u.Upgrade(context.Background(), c, types.DirOutbound, "")
	assert.ErrorIs(t, err, ErrNoPeerID)
}

// TestNew_NilIdentity 测试空身份
func TestNew_NilIdentity(t *testing.T) {
	_, err := New(nil, muxer.DefaultConfig())
	assert.ErrorIs(t, err, ErrNilIdentity)
}
