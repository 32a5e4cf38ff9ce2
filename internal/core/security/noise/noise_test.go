package noise

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
)

func newTestTransport(t *testing.T) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tr, err := New(id)
	require.NoError(t, err)
	return tr, id
}

type secureResult struct {
	conn *Conn
	err  error
}

// handshakePair 在 net.Pipe 两端并发握手
func handshakePair(t *testing.T, client, server *Transport, expect *identity.Identity) (secureResult, secureResult) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	serverCh := make(chan secureResult, 1)
	go func() {
		conn, err := server.SecureInbound(ctx, s)
		if err != nil {
			s.Close()
		}
		serverCh <- secureResult{conn, err}
	}()

	conn, err := client.SecureOutbound(ctx, c, expect.ID())
	if err != nil {
		c.Close()
	}
	return secureResult{conn, err}, <-serverCh
}

// TestHandshake 测试 XX 握手与双向身份
func TestHandshake(t *testing.T) {
	client, clientID := newTestTransport(t)
	server, serverID := newTestTransport(t)

	cr, sr := handshakePair(t, client, server, serverID)
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)

	assert.Equal(t, serverID.ID(), cr.conn.RemotePeer())
	assert.Equal(t, clientID.ID(), sr.conn.RemotePeer())
	assert.Equal(t, clientID.ID(), cr.conn.LocalPeer())
	assert.True(t, clientID.PublicKey().Equal(sr.conn.RemotePublicKey()))

	t.Log("✅ Noise 握手成功")
}

// TestHandshake_PeerMismatch 测试期望身份不符
func TestHandshake_PeerMismatch(t *testing.T) {
	client, _ := newTestTransport(t)
	server, _ := newTestTransport(t)
	_, other := newTestTransport(t)

	cr, sr := handshakePair(t, client, server, other)
	assert.ErrorIs(t, cr.err, ErrPeerIDMismatch)
	assert.Error(t, sr.err)
}

// TestConn_LargeWrite 测试超过单帧的数据拆分
func TestConn_LargeWrite(t *testing.T) {
	client, _ := newTestTransport(t)
	server, serverID := newTestTransport(t)

	cr, sr := handshakePair(t, client, server, serverID)
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)

	payload := make([]byte, 3*maxPlaintext+123)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := cr.conn.Write(payload)
		errCh <- err
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(sr.conn, got)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.True(t, bytes.Equal(payload, got))
}

// TestHandshake_ContextCancel 测试取消中断握手
func TestHandshake_ContextCancel(t *testing.T) {
	client, _ := newTestTransport(t)
	_, serverID := newTestTransport(t)

	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	// 对端只读不答
	go func() { _, _ = io.Copy(io.Discard, s) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.SecureOutbound(ctx, c, serverID.ID())
	assert.ErrorIs(t, err, context.Canceled)
}

// TestStaticKeyBinding 测试静态密钥与身份公钥的绑定
func TestStaticKeyBinding(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	static := staticKeypair(id.PrivateKey())
	mont, err := ed25519ToCurve25519Public(id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, static.Public, mont)
}

// TestPayload 测试 payload 编解码
func TestPayload(t *testing.T) {
	key, sig, err := unmarshalPayload(marshalPayload([]byte("k"), []byte("s")))
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), key)
	assert.Equal(t, []byte("s"), sig)

	_, _, err = unmarshalPayload(marshalPayload([]byte("k"), nil)[:3])
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
