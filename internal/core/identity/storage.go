package identity

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"

	"github.com/dep2p/go-natlink/internal/util/logger"
)

var log = logger.Logger("identity")

const pemTypeEd25519Private = "ED25519 PRIVATE KEY"

// DefaultKeyFile 默认密钥文件路径（相对于用户主目录）
const DefaultKeyFile = "~/.natlink/identity.key"

// ExpandPath 展开路径中的 "~"
func ExpandPath(path string) (string, error) {
	if path == "" {
		path = DefaultKeyFile
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return expanded, nil
}

// Save 保存私钥到 PEM 文件
//
// 使用原子写操作（临时文件 + rename）防止部分写入导致的文件损坏。
// 文件权限设置为 0600，仅所有者可读写。
func Save(id *Identity, path string) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeEd25519Private,
		Bytes: id.priv.Seed(),
	})
	return atomicWriteFile(path, data, 0600)
}

// Load 从 PEM 文件加载身份
func Load(path string) (*Identity, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeEd25519Private {
		return nil, ErrInvalidPEM
	}
	switch len(block.Bytes) {
	case ed25519.SeedSize:
		return FromSeed(block.Bytes)
	case ed25519.PrivateKeySize:
		return New(ed25519.PrivateKey(block.Bytes))
	default:
		return nil, ErrInvalidKeySize
	}
}

// LoadOrCreate 加载身份，文件不存在时生成并保存
func LoadOrCreate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(id, path); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	log.Info("已生成新身份", "peer", id.ID(), "path", path)
	return id, nil
}

// atomicWriteFile 原子写文件
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("重命名失败: %w", err)
	}
	success = true
	return nil
}
