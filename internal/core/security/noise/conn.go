package noise

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/dep2p/go-natlink/pkg/types"
)

const (
	// maxFrameLen Noise 单条消息最大长度
	maxFrameLen = 65535
	// maxPlaintext 单帧最大明文长度（扣除 16 字节认证标签）
	maxPlaintext = maxFrameLen - 16
)

// Conn Noise 加密连接
type Conn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	localPeer  types.PeerID
	remotePeer types.PeerID
	remoteKey  ed25519.PublicKey

	readMu  sync.Mutex
	writeMu sync.Mutex

	readBuf []byte
}

// Read 从连接读取数据（解密）
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint16(lenBuf[:])
	if msgLen == 0 {
		return 0, io.EOF
	}

	encMsg := make([]byte, msgLen)
	if _, err := io.ReadFull(c.Conn, encMsg); err != nil {
		return 0, err
	}

	plaintext, err := c.recvCS.Decrypt(encMsg[:0], nil, encMsg)
	if err != nil {
		return 0, fmt.Errorf("decrypt: %w", err)
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = plaintext[n:]
	}
	return n, nil
}

// Write 向连接写入数据（加密）
//
// 超过单帧容量的数据拆分为多帧。
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintext
		if end > len(p) {
			end = len(p)
		}

		frame := make([]byte, 2, 2+end-written+16)
		frame, err := c.sendCS.Encrypt(frame, nil, p[written:end])
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		binary.BigEndian.PutUint16(frame, uint16(len(frame)-2))

		if _, err := c.Conn.Write(frame); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// LocalPeer 返回本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.localPeer
}

// RemotePeer 返回远端节点 ID
func (c *Conn) RemotePeer() types.PeerID {
	return c.remotePeer
}

// RemotePublicKey 返回远端身份公钥
func (c *Conn) RemotePublicKey() ed25519.PublicKey {
	return c.remoteKey
}
