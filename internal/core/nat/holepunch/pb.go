package holepunch

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-natlink/internal/core/relay/pb"
)

// MsgType 打洞消息类型
type MsgType uint64

const (
	MsgConnect MsgType = 100
	MsgSync    MsgType = 300
)

// String 返回消息类型名称
func (t MsgType) String() string {
	switch t {
	case MsgConnect:
		return "CONNECT"
	case MsgSync:
		return "SYNC"
	default:
		return fmt.Sprintf("TYPE(%d)", uint64(t))
	}
}

// Message 打洞协调消息
//
//	message HolePunch { Type type = 1; repeated bytes ObsAddrs = 2; }
type Message struct {
	Type     MsgType
	ObsAddrs []ma.Multiaddr
}

// Marshal 编码消息
func (m *Message) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	for _, a := range m.ObsAddrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	return b
}

// Unmarshal 解码消息，无法解析的地址被跳过
func (m *Message) Unmarshal(data []byte) error {
	*m = Message{}
	var hasType bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", pb.ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", pb.ErrMalformed, protowire.ParseError(n))
			}
			m.Type, hasType = MsgType(v), true
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", pb.ErrMalformed, protowire.ParseError(n))
			}
			if a, err := ma.NewMultiaddrBytes(v); err == nil {
				m.ObsAddrs = append(m.ObsAddrs, a)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", pb.ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if !hasType {
		return fmt.Errorf("%w: missing type", pb.ErrMalformed)
	}
	return nil
}
