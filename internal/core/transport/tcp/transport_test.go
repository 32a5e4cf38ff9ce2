package tcp

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/util/addrutil"
)

// TestTransport_ListenDial 测试监听与拨号
func TestTransport_ListenDial(t *testing.T) {
	tr := New(DefaultConfig())
	defer tr.Close()

	l, err := tr.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer l.Close()

	port, ok := addrutil.TCPPort(l.Multiaddr())
	require.True(t, ok)
	assert.NotEqual(t, "0", port)

	accepted := make(chan manet.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := tr.Dial(ctx, l.Multiaddr())
	require.NoError(t, err)
	defer c.Close()

	s := <-accepted
	defer s.Close()

	_, err = c.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	assert.True(t, s.RemoteMultiaddr().Equal(c.LocalMultiaddr()))

	t.Log("✅ TCP 监听与拨号成功")
}

// TestTransport_DialReuse 测试从监听端口拨号
func TestTransport_DialReuse(t *testing.T) {
	if !ReusePortSupported() {
		t.Skip("平台不支持端口复用")
	}

	a := New(DefaultConfig())
	defer a.Close()
	b := New(DefaultConfig())
	defer b.Close()

	la, err := a.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	lb, err := b.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	accepted := make(chan manet.Conn, 1)
	go func() {
		c, err := lb.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := a.DialReuse(ctx, lb.Multiaddr())
	require.NoError(t, err)
	defer c.Close()

	s := <-accepted
	defer s.Close()

	// 对端看到的源端口就是 A 的监听端口
	wantPort, _ := addrutil.TCPPort(la.Multiaddr())
	gotPort, _ := addrutil.TCPPort(s.RemoteMultiaddr())
	assert.Equal(t, wantPort, gotPort)
	assert.Len(t, a.ListenPorts(), 1)
}

// TestTransport_CanDial 测试地址判断
func TestTransport_CanDial(t *testing.T) {
	tr := New(DefaultConfig())
	defer tr.Close()

	assert.True(t, tr.CanDial(ma.StringCast("/ip4/1.2.3.4/tcp/4001")))
	assert.True(t, tr.CanDial(ma.StringCast("/ip6/::1/tcp/4001")))
	assert.True(t, tr.CanDial(ma.StringCast("/dns/example.com/tcp/4001")))
	assert.False(t, tr.CanDial(ma.StringCast("/ip4/1.2.3.4/udp/4001")))
	assert.False(t, tr.CanDial(ma.StringCast("/ip4/1.2.3.4/tcp/4001/p2p-circuit")))
	assert.False(t, tr.CanDial(nil))
}

// TestTransport_Close 测试关闭
func TestTransport_Close(t *testing.T) {
	tr := New(DefaultConfig())
	l, err := tr.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.True(t, l.IsClosed())

	_, err = tr.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	assert.ErrorIs(t, err, ErrTransportClosed)
	_, err = tr.Dial(context.Background(), ma.StringCast("/ip4/127.0.0.1/tcp/1"))
	assert.ErrorIs(t, err, ErrTransportClosed)
}
