package natlink

import (
	"context"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/types"
)

// CommandUsage 控制台命令说明
const CommandUsage = `commands:
  relay <peer-id|multiaddr>  register with a relay
  dial <peer-id>             dial a peer through the relay
  connect <peer-id>          dial if this node has the smaller peer id, else wait
  status                     print node status
  quit                       exit`

// Execute 执行一行控制台命令（仅 dialer）
//
// 返回 true 表示应当退出。未知命令与格式错误的参数返回错误且没有副作用；
// 拨号结果以事件异步送达，不在此返回。
func (n *Node) Execute(ctx context.Context, line string) (bool, error) {
	if n.role != types.RoleDialer {
		return false, fmt.Errorf("%w: console as %s", ErrWrongRole, n.role)
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit":
		if len(args) != 0 {
			return false, fmt.Errorf("%w: %s", ErrInvalidArguments, cmd)
		}
		return true, nil

	case "status":
		if len(args) != 0 {
			return false, fmt.Errorf("%w: %s", ErrInvalidArguments, cmd)
		}
		n.logStatus()
		return false, nil

	case "relay":
		arg, err := oneArg(cmd, args)
		if err != nil {
			return false, err
		}
		addr, err := n.parseRelayArg(arg)
		if err != nil {
			return false, err
		}
		return false, n.RegisterWithRelay(ctx, addr)

	case "dial":
		peer, err := peerArg(cmd, args)
		if err != nil {
			return false, err
		}
		return false, n.Dial(peer)

	case "connect":
		peer, err := peerArg(cmd, args)
		if err != nil {
			return false, err
		}
		initiated, err := n.Connect(peer)
		if err != nil {
			return false, err
		}
		if !initiated {
			log.Info("对端 PeerID 较小，等待对端经中继发起", "peer", peer.ShortString())
		}
		return false, nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
}

// parseRelayArg 解析 relay 命令参数
//
// 以 "/" 开头按完整中继地址解析，否则按 PeerID 解析并使用配置的中继主机与端口。
func (n *Node) parseRelayArg(arg string) (ma.Multiaddr, error) {
	if strings.HasPrefix(arg, "/") {
		addr, err := ma.NewMultiaddr(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRelayAddr, err)
		}
		return addr, nil
	}

	relay, err := types.ParsePeerID(arg)
	if err != nil {
		return nil, err
	}
	return n.cfg.RelayAddr(relay)
}

func (n *Node) logStatus() {
	s := n.Status()
	log.Info("节点状态",
		"peer", s.ID.String(),
		"role", s.Role,
		"listen", s.ListenAddrs,
		"external", s.ExternalAddrs,
		"peers", len(s.Peers),
		"reachability", s.Reachability,
		"reservations", s.Reservations)
	if s.Registered {
		log.Info("中继绑定",
			"relay", s.Relay.RelayPeer.ShortString(),
			"observed", s.Relay.Observed,
			"circuit", s.Relay.CircuitListen,
			"since", s.Relay.EstablishedAt)
	}
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: %s takes 1, got %d", ErrInvalidArguments, cmd, len(args))
	}
	return args[0], nil
}

func peerArg(cmd string, args []string) (types.PeerID, error) {
	arg, err := oneArg(cmd, args)
	if err != nil {
		return types.EmptyPeerID, err
	}
	return types.ParsePeerID(arg)
}
