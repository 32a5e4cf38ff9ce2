package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// errHandshakeDone 结束当前排空周期
var errHandshakeDone = errors.New("relay handshake done")

// ============================================================================
//                              RelayBinding
// ============================================================================

// RelayBinding 端点与中继的绑定
//
// 只在握手双方向都完成后构造，之后不再修改；更换中继需要新的绑定。
type RelayBinding struct {
	// Role 本节点角色
	Role types.Role

	// Relay 中继完整地址（以 /p2p/<relay-id> 结尾）
	Relay ma.Multiaddr

	// RelayPeer 中继节点 ID
	RelayPeer types.PeerID

	// Observed 中继观测到的本节点地址
	Observed ma.Multiaddr

	// CircuitListen 中继电路监听地址（Relay + /p2p-circuit）
	CircuitListen ma.Multiaddr

	// EstablishedAt 握手完成时间
	EstablishedAt time.Time
}

// CircuitAddr 返回经该中继到 target 的拨号地址
//
//	<relay>/p2p-circuit/p2p/<target>
func (b *RelayBinding) CircuitAddr(target types.PeerID) ma.Multiaddr {
	return addrutil.CircuitAddr(b.Relay, target)
}

// ============================================================================
//                              Establish
// ============================================================================

// EstablishOptions 中继握手参数
type EstablishOptions struct {
	// Role 写入绑定的角色，默认 RoleDialer
	Role types.Role

	// Interval 单次排空周期，默认 DefaultPumpInterval
	Interval time.Duration

	// Table 事件分类表，默认 DefaultTable()
	Table Table
}

// ParseRelayAddr 校验中继地址并返回中继节点 ID
//
// 地址必须包含传输部分并以 /p2p/<relay-id> 结尾，且不能是电路地址。
func ParseRelayAddr(relayAddr ma.Multiaddr) (types.PeerID, error) {
	if relayAddr == nil {
		return types.EmptyPeerID, fmt.Errorf("%w: empty", ErrInvalidRelayAddr)
	}
	if addrutil.IsRelayAddr(relayAddr) {
		return types.EmptyPeerID, fmt.Errorf("%w: %s is a circuit address", ErrInvalidRelayAddr, relayAddr)
	}
	relay, transport, err := addrutil.ParseFullAddr(relayAddr)
	if err != nil {
		return types.EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidRelayAddr, err)
	}
	if _, ok := addrutil.TCPPort(transport); !ok {
		return types.EmptyPeerID, fmt.Errorf("%w: %s has no tcp transport", ErrInvalidRelayAddr, relayAddr)
	}
	return relay, nil
}

// Establish 完成中继注册握手
//
// 拨号中继，然后以有界周期排空事件，直到同时满足：
//   - 已向中继告知本地信息（EvtIdentifySent）
//   - 已从中继获知观测地址（EvtIdentifyReceived）
//
// 两者顺序任意。握手进度由观察者记录，其他调用方（如 RunForever）
// 并发排空的事件同样计入。完成后在 relayAddr/p2p-circuit 上监听。
// 本函数没有内置超时，由 ctx 控制；中继稍后拒绝预留时以 EvtListenError 送达，不在此返回。
func Establish(ctx context.Context, g *Guard, relayAddr ma.Multiaddr, opts EstablishOptions) (RelayBinding, error) {
	relay, err := ParseRelayAddr(relayAddr)
	if err != nil {
		return RelayBinding{}, err
	}
	if relay == g.ID() {
		return RelayBinding{}, fmt.Errorf("%w: relay is the local node", ErrInvalidRelayAddr)
	}
	if opts.Role == 0 {
		opts.Role = types.RoleDialer
	}
	if opts.Table == nil {
		opts.Table = DefaultTable()
	}

	log.Info("开始中继注册", "relay", relay.ShortString(), "addr", relayAddr)
	hs := &handshake{relay: relay, relayAddr: relayAddr, transport: addrutil.StripPeerID(relayAddr)}
	remove := g.Observe(hs.observe)
	defer remove()

	if err := g.Do(func(ep interfaces.Endpoint) error { return ep.Dial(relayAddr) }); err != nil {
		return RelayBinding{}, &DialError{Relay: relay, Addr: relayAddr, Err: err}
	}

	for {
		done, herr := hs.result()
		if herr != nil {
			return RelayBinding{}, herr
		}
		if done {
			break
		}
		err := g.Drain(ctx, opts.Interval, opts.Table, hs.handle)
		if err != nil && !errors.Is(err, errHandshakeDone) {
			return RelayBinding{}, err
		}
	}

	circuit := addrutil.CircuitListenAddr(relayAddr)
	if err := g.Do(func(ep interfaces.Endpoint) error { return ep.Listen(circuit) }); err != nil {
		return RelayBinding{}, fmt.Errorf("listen on %s: %w", circuit, err)
	}

	b := RelayBinding{
		Role:          opts.Role,
		Relay:         relayAddr,
		RelayPeer:     relay,
		Observed:      hs.observedAddr(),
		CircuitListen: circuit,
		EstablishedAt: g.Clock().Now(),
	}
	log.Info("中继注册完成", "relay", relay.ShortString(), "observed", b.Observed)
	return b, nil
}

// handshake 中继握手进度
//
// 以 Guard 观察者推进：事件无论由哪个调用方排空都会计入。
type handshake struct {
	relay     types.PeerID
	relayAddr ma.Multiaddr
	transport ma.Multiaddr

	mu          sync.Mutex
	toldRelay   bool
	learnedAddr bool
	observed    ma.Multiaddr
	err         error
}

func (h *handshake) result() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.toldRelay && h.learnedAddr, h.err
}

func (h *handshake) observedAddr() ma.Multiaddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observed
}

// observe 推进握手，注册为 Guard 观察者
func (h *handshake) observe(ev types.Event, class Class) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return
	}

	switch e := ev.(type) {
	case types.EvtIdentifySent:
		if e.Peer == h.relay {
			h.toldRelay = true
		}
	case types.EvtIdentifyReceived:
		if e.Peer == h.relay {
			h.learnedAddr = true
			h.observed = e.Observed
		}
	case types.EvtDialError:
		if e.Peer == h.relay {
			h.err = &DialError{Relay: h.relay, Addr: h.relayAddr, Err: e.Err}
		}
	case types.EvtIncomingConnectionError:
		if e.RemoteAddr != nil && e.RemoteAddr.Equal(h.transport) {
			h.err = &DialError{Relay: h.relay, Addr: h.relayAddr, Err: e.Err}
		}
	default:
		if class == ClassFatal {
			h.err = &FatalEventError{Event: ev}
		}
	}
}

// handle 握手完成或失败时结束当前排空周期
func (h *handshake) handle(types.Event, Class) error {
	done, err := h.result()
	if err != nil {
		return err
	}
	if done {
		return errHandshakeDone
	}
	return nil
}
