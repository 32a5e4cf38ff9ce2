// Package pb 定义中继协议消息及其编解码
//
// 消息以 protobuf 线格式编码，每条消息前加 uvarint 长度前缀：
//
//	message HopMessage {
//	  Type type = 1;            // RESERVE / CONNECT / STATUS
//	  Peer peer = 2;
//	  Reservation reservation = 3;
//	  Limit limit = 4;
//	  Status status = 5;
//	}
//
//	message StopMessage {
//	  Type type = 1;            // CONNECT / STATUS
//	  Peer peer = 2;
//	  Limit limit = 3;
//	  Status status = 4;
//	}
//
//	message Peer        { bytes id = 1; repeated bytes addrs = 2; }
//	message Reservation { uint64 expire = 1; repeated bytes addrs = 2; }
//	message Limit       { uint32 duration = 1; uint64 data = 2; }
package pb

import (
	"errors"
	"fmt"
	"io"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-natlink/pkg/types"
)

// MaxMessageSize 单条消息最大字节数
const MaxMessageSize = 4096

// ErrMalformed 消息格式错误
var ErrMalformed = errors.New("relay: malformed message")

// ============================================================================
//                              枚举
// ============================================================================

// HopType HOP 消息类型
type HopType uint32

const (
	HopReserve HopType = 0
	HopConnect HopType = 1
	HopStatus  HopType = 2
)

// StopType STOP 消息类型
type StopType uint32

const (
	StopConnect StopType = 0
	StopStatus  StopType = 1
)

// Status 响应状态码
type Status uint32

const (
	StatusUnused                Status = 0
	StatusOK                    Status = 100
	StatusReservationRefused    Status = 200
	StatusResourceLimitExceeded Status = 201
	StatusPermissionDenied      Status = 202
	StatusConnectionFailed      Status = 203
	StatusNoReservation         Status = 204
	StatusMalformedMessage      Status = 400
	StatusUnexpectedMessage     Status = 401
)

// String 返回状态码描述
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusReservationRefused:
		return "RESERVATION_REFUSED"
	case StatusResourceLimitExceeded:
		return "RESOURCE_LIMIT_EXCEEDED"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusConnectionFailed:
		return "CONNECTION_FAILED"
	case StatusNoReservation:
		return "NO_RESERVATION"
	case StatusMalformedMessage:
		return "MALFORMED_MESSAGE"
	case StatusUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

// ============================================================================
//                              消息
// ============================================================================

// Peer 节点信息
type Peer struct {
	ID    types.PeerID
	Addrs []ma.Multiaddr
}

// Reservation 预留信息
type Reservation struct {
	// Expire 过期时间（Unix 秒）
	Expire uint64
	Addrs  []ma.Multiaddr
}

// ExpireTime 返回过期时间
func (r *Reservation) ExpireTime() time.Time {
	return time.Unix(int64(r.Expire), 0)
}

// Limit 电路限制，零值表示不限
type Limit struct {
	// Duration 最长时间（秒）
	Duration uint32
	// Data 单方向最大字节数
	Data uint64
}

// HopMessage 客户端与中继之间的消息
type HopMessage struct {
	Type        HopType
	Peer        *Peer
	Reservation *Reservation
	Limit       *Limit
	Status      Status
}

// StopMessage 中继与目标节点之间的消息
type StopMessage struct {
	Type   StopType
	Peer   *Peer
	Limit  *Limit
	Status Status
}

// ============================================================================
//                              编码
// ============================================================================

// Marshal 编码 HopMessage
func (m *HopMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Peer != nil {
		b = appendSub(b, 2, m.Peer.marshal())
	}
	if m.Reservation != nil {
		b = appendSub(b, 3, m.Reservation.marshal())
	}
	if m.Limit != nil {
		b = appendSub(b, 4, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	return b
}

// Marshal 编码 StopMessage
func (m *StopMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Peer != nil {
		b = appendSub(b, 2, m.Peer.marshal())
	}
	if m.Limit != nil {
		b = appendSub(b, 3, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	return b
}

func (p *Peer) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID.Bytes())
	for _, a := range p.Addrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	return b
}

func (r *Reservation) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Expire)
	for _, a := range r.Addrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	return b
}

func (l *Limit) marshal() []byte {
	var b []byte
	if l.Duration > 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.Duration))
	}
	if l.Data > 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, l.Data)
	}
	return b
}

func appendSub(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// ============================================================================
//                              解码
// ============================================================================

// fieldFunc 处理一个字段，返回消耗的字节数
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: wire type %d, want varint", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: wire type %d, want bytes", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

// Unmarshal 解码 HopMessage
func (m *HopMessage) Unmarshal(data []byte) error {
	*m = HopMessage{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Type = HopType(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Peer = &Peer{}
			return n, m.Peer.unmarshal(v)
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Reservation = &Reservation{}
			return n, m.Reservation.unmarshal(v)
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Limit = &Limit{}
			return n, m.Limit.unmarshal(v)
		case 5:
			v, n, err := consumeVarint(typ, b)
			m.Status = Status(v)
			return n, err
		}
		return 0, nil
	})
}

// Unmarshal 解码 StopMessage
func (m *StopMessage) Unmarshal(data []byte) error {
	*m = StopMessage{}
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Type = StopType(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Peer = &Peer{}
			return n, m.Peer.unmarshal(v)
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Limit = &Limit{}
			return n, m.Limit.unmarshal(v)
		case 4:
			v, n, err := consumeVarint(typ, b)
			m.Status = Status(v)
			return n, err
		}
		return 0, nil
	})
}

func (p *Peer) unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			id, err := types.PeerIDFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			p.ID = id
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			// 无法解析的地址忽略
			if a, err := ma.NewMultiaddrBytes(v); err == nil {
				p.Addrs = append(p.Addrs, a)
			}
			return n, nil
		}
		return 0, nil
	})
}

func (r *Reservation) unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			r.Expire = v
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if a, err := ma.NewMultiaddrBytes(v); err == nil {
				r.Addrs = append(r.Addrs, a)
			}
			return n, nil
		}
		return 0, nil
	})
}

func (l *Limit) unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			l.Duration = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			l.Data = v
			return n, err
		}
		return 0, nil
	})
}

// ============================================================================
//                              帧
// ============================================================================

// Marshaler 可编码消息
type Marshaler interface {
	Marshal() []byte
}

// Unmarshaler 可解码消息
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// WriteMsg 写入带 uvarint 长度前缀的消息
func WriteMsg(w io.Writer, m Marshaler) error {
	body := m.Marshal()
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(body)))+len(body))
	buf = append(buf, varint.ToUvarint(uint64(len(body)))...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadMsg 读取带 uvarint 长度前缀的消息
//
// 逐字节读取长度前缀，不会越过消息边界：消息之后的数据属于电路。
func ReadMsg(r io.Reader, m Unmarshaler) error {
	length, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return err
	}
	if length > MaxMessageSize {
		return fmt.Errorf("%w: message too large (%d bytes)", ErrMalformed, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return m.Unmarshal(body)
}

type byteReader struct {
	io.Reader
}

func (r byteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r.Reader, b[:])
	return b[0], err
}
