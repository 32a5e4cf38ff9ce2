// Package identity 提供节点身份
//
// 身份由一个 Ed25519 密钥对组成，PeerID 由公钥派生。
// 身份在构造后不可变，可以持久化到 PEM 文件以在重启后保持 PeerID 不变。
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/dep2p/go-natlink/pkg/types"
)

var (
	// ErrInvalidKeySize 私钥长度错误
	ErrInvalidKeySize = errors.New("invalid ed25519 private key size")
	// ErrInvalidPEM 无效的 PEM 数据
	ErrInvalidPEM = errors.New("invalid PEM data")
	// ErrKeyNotFound 密钥文件不存在
	ErrKeyNotFound = errors.New("key not found")
)

// Identity 节点身份
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   types.PeerID
}

// New 从私钥创建身份
func New(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := types.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{priv: priv, pub: pub, id: id}, nil
}

// Generate 生成新的随机身份
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return New(priv)
}

// FromSeed 从 32 字节种子确定性地创建身份
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKeySize
	}
	return New(ed25519.NewKeyFromSeed(seed))
}

// ID 返回 PeerID
func (i *Identity) ID() types.PeerID {
	return i.id
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// Sign 对数据签名
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// Verify 用公钥验证签名
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
