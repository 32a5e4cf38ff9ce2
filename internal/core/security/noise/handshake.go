// Package noise 实现 Noise 协议安全传输
//
// Noise XX 握手流程：
//
//	-> e                                      (发起者发送临时公钥)
//	<- e, ee, s, es, payload                  (响应者发送临时公钥、静态公钥、payload)
//	-> s, se, payload                         (发起者发送静态公钥、payload)
//
// 静态 Curve25519 密钥由 Ed25519 身份密钥转换得到，payload 包含：
//   - identity_key: protobuf 编码的 Ed25519 公钥
//   - identity_sig: Sign("noise-libp2p-static-key:" + curve25519_static_pubkey)
//
// 验证方除签名外还检查对端静态公钥与其 Ed25519 公钥的 Montgomery 形式一致。
package noise

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-natlink/pkg/types"
)

// payloadSigPrefix 签名 payload 的前缀
const payloadSigPrefix = "noise-libp2p-static-key:"

// 握手错误
var (
	ErrPeerIDMismatch   = errors.New("peer id mismatch")
	ErrInvalidSignature = errors.New("invalid signature: remote static key not bound to identity key")
	ErrStaticKeyBinding = errors.New("remote static key does not match identity key")
	ErrInvalidPayload   = errors.New("invalid handshake payload")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ============================================================================
// Noise XX 握手实现
// ============================================================================

// handshakeResult 握手结果
type handshakeResult struct {
	send, recv *noise.CipherState
	remotePeer types.PeerID
	remoteKey  ed25519.PublicKey
}

// performHandshake 执行 Noise XX 握手
//
// remotePeer 为空时接受任意对端，否则校验对端身份。
func performHandshake(conn net.Conn, priv ed25519.PrivateKey, remotePeer types.PeerID, isInitiator bool) (*handshakeResult, error) {
	static := staticKeypair(priv)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     isInitiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	localPayload := marshalPayload(
		types.MarshalPublicKey(priv.Public().(ed25519.PublicKey)),
		ed25519.Sign(priv, append([]byte(payloadSigPrefix), static.Public...)),
	)

	var (
		send, recv *noise.CipherState
		remoteKey  ed25519.PublicKey
		actual     types.PeerID
	)
	verify := func(payload []byte) error {
		key, err := verifyRemotePayload(payload, hs.PeerStatic())
		if err != nil {
			return err
		}
		id, err := types.PeerIDFromPublicKey(key)
		if err != nil {
			return fmt.Errorf("derive remote peer id: %w", err)
		}
		if remotePeer != "" && id != remotePeer {
			return fmt.Errorf("%w: expected %s, got %s", ErrPeerIDMismatch, remotePeer.ShortString(), id.ShortString())
		}
		remoteKey, actual = key, id
		return nil
	}

	if isInitiator {
		send, recv, err = clientHandshake(conn, hs, localPayload, verify)
	} else {
		send, recv, err = serverHandshake(conn, hs, localPayload, verify)
	}
	if err != nil {
		return nil, err
	}

	return &handshakeResult{send: send, recv: recv, remotePeer: actual, remoteKey: remoteKey}, nil
}

// verifyRemotePayload 验证远程 payload 并返回对端身份公钥
func verifyRemotePayload(payload, remoteStatic []byte) (ed25519.PublicKey, error) {
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("invalid remote static key length: %d", len(remoteStatic))
	}
	keyBytes, sig, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	remoteKey, err := types.UnmarshalPublicKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !ed25519.Verify(remoteKey, append([]byte(payloadSigPrefix), remoteStatic...), sig) {
		return nil, ErrInvalidSignature
	}
	mont, err := ed25519ToCurve25519Public(remoteKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(mont, remoteStatic) {
		return nil, ErrStaticKeyBinding
	}
	return remoteKey, nil
}

// ============================================================================
// 握手流程
// ============================================================================

// clientHandshake 客户端握手（发起者）
//
// 在发送第三条消息前校验响应者身份，校验失败时不暴露本地身份。
func clientHandshake(conn net.Conn, hs *noise.HandshakeState, localPayload []byte, verify func([]byte) error) (*noise.CipherState, *noise.CipherState, error) {
	// 轮次 1: -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	// 轮次 2: <- e, ee, s, es, payload
	msg2, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, fmt.Errorf("read message 2: %w", err)
	}
	if err := verify(remotePayload); err != nil {
		return nil, nil, err
	}

	// 轮次 3: -> s, se, payload
	msg3, cs1, cs2, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, fmt.Errorf("send message 3: %w", err)
	}

	// 发起者：cs1 发送，cs2 接收
	return cs1, cs2, nil
}

// serverHandshake 服务器握手（响应者）
func serverHandshake(conn net.Conn, hs *noise.HandshakeState, localPayload []byte, verify func([]byte) error) (*noise.CipherState, *noise.CipherState, error) {
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err = hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := readFrame(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, fmt.Errorf("read message 3: %w", err)
	}

	if err := verify(remotePayload); err != nil {
		return nil, nil, err
	}

	// 响应者：cs2 发送，cs1 接收
	return cs2, cs1, nil
}

// ============================================================================
// 握手 payload
// ============================================================================

//	message NoiseHandshakePayload {
//	  bytes identity_key = 1;
//	  bytes identity_sig = 2;
//	}
func marshalPayload(key, sig []byte) []byte {
	b := make([]byte, 0, len(key)+len(sig)+4)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, key)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	return b
}

func unmarshalPayload(b []byte) (key, sig []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case 1:
			key = v
		case 2:
			sig = v
		}
	}
	if key == nil || sig == nil {
		return nil, nil, fmt.Errorf("%w: missing identity key or signature", ErrInvalidPayload)
	}
	return key, sig, nil
}

// ============================================================================
// 密钥转换
// ============================================================================

// staticKeypair 由 Ed25519 私钥派生 Noise 静态密钥对
//
// 私钥：SHA-512(seed)[:32] 并 clamping（RFC 7748 / RFC 8032）；
// 公钥：X25519(priv, basepoint)，与 Ed25519 公钥的 Montgomery 形式相同。
func staticKeypair(priv ed25519.PrivateKey) noise.DHKey {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	scalar := make([]byte, 32)
	copy(scalar, h[:32])
	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		// clamped 标量不会产生低阶点
		panic(fmt.Sprintf("x25519 base point multiplication: %v", err))
	}
	return noise.DHKey{Private: scalar, Public: pub}
}

// ed25519ToCurve25519Public 将 Ed25519 公钥转换为 Curve25519 公钥
//
//	u = (1 + y) / (1 - y)  (mod p)
func ed25519ToCurve25519Public(edPub ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return point.BytesMontgomery(), nil
}

// ============================================================================
// 帧
// ============================================================================

// writeFrame 写入帧（2 字节长度 + 数据）
func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame 读取帧（2 字节长度 + 数据）
func readFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf)
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
