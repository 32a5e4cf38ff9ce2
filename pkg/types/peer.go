package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符
//
// 外部表示为 Base58 编码的 multihash：
//
//	identity-multihash( protobuf(PublicKey{Type: Ed25519, Data: pubkey}) )
//
// 因此 Ed25519 节点的 PeerID 均以 "12D3KooW" 开头，且可以直接还原公钥。
type PeerID string

// EmptyPeerID 空节点ID
const EmptyPeerID PeerID = ""

// ErrInvalidPeerID 无效的节点ID错误
var ErrInvalidPeerID = errors.New("invalid peer id")

const (
	// multihash 编码
	mhIdentity = 0x00
	mhSHA2_256 = 0x12

	// 公钥 protobuf 中的类型枚举
	keyTypeEd25519 = 1

	// 超过该长度的公钥编码不再使用 identity multihash
	maxInlineKeyLength = 42
)

// String 返回 PeerID 的字符串表示
func (p PeerID) String() string {
	return string(p)
}

// ShortString 返回 PeerID 的短字符串表示
//
// 格式：前 8 个字符 + "..." + 后 3 个字符，用于日志。
func (p PeerID) ShortString() string {
	s := string(p)
	if len(s) <= 11 {
		return s
	}
	return s[:8] + "..." + s[len(s)-3:]
}

// IsEmpty 检查 PeerID 是否为空
func (p PeerID) IsEmpty() bool {
	return p == EmptyPeerID
}

// Bytes 返回解码后的 multihash 字节
//
// 无效的 PeerID 返回 nil。
func (p PeerID) Bytes() []byte {
	b, err := base58.Decode(string(p))
	if err != nil {
		return nil
	}
	return b
}

// Validate 校验 PeerID 的编码
func (p PeerID) Validate() error {
	_, err := ParsePeerID(string(p))
	return err
}

// Less 返回 p 是否在全序上小于 other
//
// 比较解码后的 multihash 字节；任一方无法解码时退化为字符串比较。
// 两个节点独立调用 a.Less(b) 与 b.Less(a) 必然恰有一个为 true（a != b）。
func (p PeerID) Less(other PeerID) bool {
	a, b := p.Bytes(), other.Bytes()
	if a == nil || b == nil {
		return string(p) < string(other)
	}
	if c := bytes.Compare(a, b); c != 0 {
		return c < 0
	}
	return string(p) < string(other)
}

// PublicKey 从 identity multihash 中提取 Ed25519 公钥
func (p PeerID) PublicKey() (ed25519.PublicKey, error) {
	b, err := base58.Decode(string(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	code, digest, err := decodeMultihash(b)
	if err != nil {
		return nil, err
	}
	if code != mhIdentity {
		return nil, fmt.Errorf("%w: public key not inlined", ErrInvalidPeerID)
	}
	return UnmarshalPublicKey(digest)
}

// ParsePeerID 从字符串解析 PeerID
//
// 接受 identity 与 sha2-256 两种 multihash。
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrInvalidPeerID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	code, digest, err := decodeMultihash(b)
	if err != nil {
		return EmptyPeerID, err
	}
	switch code {
	case mhIdentity:
		if _, err := UnmarshalPublicKey(digest); err != nil {
			return EmptyPeerID, err
		}
	case mhSHA2_256:
		if len(digest) != 32 {
			return EmptyPeerID, fmt.Errorf("%w: bad sha2-256 digest length %d", ErrInvalidPeerID, len(digest))
		}
	default:
		return EmptyPeerID, fmt.Errorf("%w: unsupported multihash code 0x%x", ErrInvalidPeerID, code)
	}
	return PeerID(s), nil
}

// PeerIDFromBytes 从 multihash 字节解析 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	return ParsePeerID(base58.Encode(b))
}

// PeerIDFromPublicKey 从 Ed25519 公钥派生 PeerID
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return EmptyPeerID, fmt.Errorf("%w: public key length %d", ErrInvalidPeerID, len(pub))
	}
	encoded := MarshalPublicKey(pub)
	if len(encoded) > maxInlineKeyLength {
		return EmptyPeerID, fmt.Errorf("%w: encoded key too long", ErrInvalidPeerID)
	}
	mh := make([]byte, 0, len(encoded)+2)
	mh = append(mh, varint.ToUvarint(mhIdentity)...)
	mh = append(mh, varint.ToUvarint(uint64(len(encoded)))...)
	mh = append(mh, encoded...)
	return PeerID(base58.Encode(mh)), nil
}

// MarshalPublicKey 按 libp2p 公钥 protobuf 格式编码 Ed25519 公钥
//
//	message PublicKey { KeyType Type = 1; bytes Data = 2; }
func MarshalPublicKey(pub ed25519.PublicKey) []byte {
	b := make([]byte, 0, len(pub)+4)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, keyTypeEd25519)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, pub)
	return b
}

// UnmarshalPublicKey 解码 MarshalPublicKey 的输出
func UnmarshalPublicKey(b []byte) (ed25519.PublicKey, error) {
	var (
		keyType uint64
		data    []byte
		hasType bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, protowire.ParseError(m))
			}
			keyType, hasType = v, true
			b = b[m:]
		case num == 2 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, protowire.ParseError(m))
			}
			data = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if !hasType || keyType != keyTypeEd25519 {
		return nil, fmt.Errorf("%w: unsupported key type", ErrInvalidPeerID)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrInvalidPeerID, len(data))
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, data)
	return pub, nil
}

// decodeMultihash 解析 <code><length><digest>
func decodeMultihash(b []byte) (uint64, []byte, error) {
	code, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	b = b[n:]
	length, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	b = b[n:]
	if uint64(len(b)) != length {
		return 0, nil, fmt.Errorf("%w: multihash length mismatch", ErrInvalidPeerID)
	}
	return code, b, nil
}
