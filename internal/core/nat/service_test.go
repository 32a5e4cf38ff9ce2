package nat

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/nat/portmap"
	"github.com/dep2p/go-natlink/internal/core/swarm"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/types"
)

// ============================================================================
//                              测试替身
// ============================================================================

type fakeProber struct {
	mu    sync.Mutex
	ip    net.IP
	fails int
	calls int
}

func (p *fakeProber) ExternalAddr(context.Context) (*net.UDPAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return nil, errors.New("stun timeout")
	}
	return &net.UDPAddr{IP: p.ip, Port: 50000}, nil
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeMapper struct {
	mu      sync.Mutex
	ip      net.IP
	adds    int
	deletes []int
	addErr  error
}

func (m *fakeMapper) Name() string { return "fake" }

func (m *fakeMapper) ExternalIP(context.Context) (net.IP, error) { return m.ip, nil }

func (m *fakeMapper) AddMapping(_ context.Context, _ string, internal int, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return 0, m.addErr
	}
	m.adds++
	return internal + 10000, nil
}

func (m *fakeMapper) DeleteMapping(_ context.Context, _ string, internal, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, internal)
	return nil
}

func newListeningSwarm(t *testing.T) (*swarm.Swarm, int) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	s, err := swarm.New(id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	p, ok := addrutil.TCPPort(s.ListenAddrs()[0])
	require.True(t, ok)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return s, port
}

func hasExternal(s *swarm.Swarm, want string) bool {
	for _, a := range s.ExternalAddrs() {
		if a.String() == want {
			return true
		}
	}
	return false
}

// ============================================================================
//                              测试
// ============================================================================

// TestService_STUN 测试 STUN IP 与监听端口组合为外部地址
func TestService_STUN(t *testing.T) {
	s, port := newListeningSwarm(t)
	svc := newService(s, DefaultConfig(), clock.NewMock())
	svc.prober = &fakeProber{ip: net.ParseIP("203.0.113.9")}

	require.NoError(t, svc.probe(context.Background()))

	want := "/ip4/203.0.113.9/tcp/" + strconv.Itoa(port)
	assert.True(t, hasExternal(s, want))
	// 回环监听地址不是公网地址
	assert.Equal(t, ReachabilityPrivate, svc.Reachability())

	var ev types.EvtExternalAddress
	require.Eventually(t, func() bool {
		select {
		case e := <-s.Events():
			if x, ok := e.(types.EvtExternalAddress); ok {
				ev = x
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, SourceSTUN, ev.Source)
	assert.Equal(t, want, ev.Addr.String())

	t.Log("✅ STUN 外部地址发布成功")
}

// TestService_PortMapping 测试端口映射、续租与关闭时删除
func TestService_PortMapping(t *testing.T) {
	s, port := newListeningSwarm(t)
	mock := clock.NewMock()
	svc := newService(s, Config{PortMapping: true}, mock)
	mapper := &fakeMapper{ip: net.ParseIP("198.51.100.2")}
	svc.discover = func(context.Context) (portmap.Mapper, error) { return mapper, nil }

	ctx := context.Background()
	require.NoError(t, svc.probe(ctx))
	assert.True(t, hasExternal(s, "/ip4/198.51.100.2/tcp/"+strconv.Itoa(port+10000)))
	assert.Equal(t, ReachabilityPublic, svc.Reachability())
	assert.Equal(t, 1, mapper.adds)

	t.Run("租期内不重复映射", func(t *testing.T) {
		mock.Add(time.Minute)
		require.NoError(t, svc.probe(ctx))
		assert.Equal(t, 1, mapper.adds)
	})

	t.Run("过半租期续租", func(t *testing.T) {
		mock.Add(portmap.DefaultLifetime / 2)
		require.NoError(t, svc.probe(ctx))
		assert.Equal(t, 2, mapper.adds)
	})

	require.NoError(t, svc.Close())
	assert.Equal(t, []int{port}, mapper.deletes)
}

// TestService_ProbeErrors 测试探测失败
func TestService_ProbeErrors(t *testing.T) {
	t.Run("无监听端口", func(t *testing.T) {
		id, err := identity.Generate()
		require.NoError(t, err)
		s, err := swarm.New(id, nil)
		require.NoError(t, err)
		defer s.Close()

		svc := newService(s, DefaultConfig(), clock.NewMock())
		svc.prober = &fakeProber{ip: net.ParseIP("203.0.113.9")}
		assert.ErrorIs(t, svc.probe(context.Background()), ErrNoListenPort)
	})

	t.Run("无网关", func(t *testing.T) {
		s, _ := newListeningSwarm(t)
		svc := newService(s, Config{PortMapping: true}, clock.NewMock())
		svc.discover = func(context.Context) (portmap.Mapper, error) { return nil, portmap.ErrNoGateway }

		assert.ErrorIs(t, svc.probe(context.Background()), portmap.ErrNoGateway)
		assert.Equal(t, ReachabilityUnknown, svc.Reachability())
	})

	t.Run("映射失败但 STUN 成功", func(t *testing.T) {
		s, _ := newListeningSwarm(t)
		svc := newService(s, Config{PortMapping: true}, clock.NewMock())
		svc.prober = &fakeProber{ip: net.ParseIP("203.0.113.9")}
		mapper := &fakeMapper{ip: net.ParseIP("198.51.100.2"), addErr: errors.New("refused")}
		svc.discover = func(context.Context) (portmap.Mapper, error) { return mapper, nil }

		assert.NoError(t, svc.probe(context.Background()))
		assert.Equal(t, ReachabilityPrivate, svc.Reachability())
	})
}

// TestService_Loop 测试启动延迟与失败重试
func TestService_Loop(t *testing.T) {
	s, port := newListeningSwarm(t)
	mock := clock.NewMock()
	cfg := DefaultConfig()
	svc := newService(s, cfg, mock)
	prober := &fakeProber{ip: net.ParseIP("203.0.113.9"), fails: 1}
	svc.prober = prober

	svc.Start()
	defer svc.Close()

	// 启动延迟内不探测
	mock.Add(cfg.BootDelay / 2)
	assert.Equal(t, 0, prober.Calls())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return prober.Calls() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, hasExternal(s, "/ip4/203.0.113.9/tcp/"+strconv.Itoa(port)))
}

// TestService_StartWithoutProbes 测试未配置探测方式时不启动循环
func TestService_StartWithoutProbes(t *testing.T) {
	s, _ := newListeningSwarm(t)
	svc := NewService(s, Config{})
	svc.Start()
	assert.NoError(t, svc.Close())
	assert.Equal(t, ReachabilityUnknown, svc.Reachability())
}

// TestConfigFromUnified 测试统一配置映射
func TestConfigFromUnified(t *testing.T) {
	assert.Equal(t, DefaultConfig(), ConfigFromUnified(nil))
}
