package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/pkg/types"
)

// TestGenerate 测试生成身份
func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id.ID().String(), "12D3KooW"))
	assert.NoError(t, id.ID().Validate())

	derived, err := types.PeerIDFromPublicKey(id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, id.ID(), derived)

	t.Log("✅ 身份生成成功:", id.ID().ShortString())
}

// TestFromSeed 测试种子派生的确定性
func TestFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)

	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())

	_, err = FromSeed(seed[:10])
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = New(ed25519.PrivateKey(seed))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

// TestSignVerify 测试签名验证
func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	data := []byte("hello natlink")
	sig := id.Sign(data)

	assert.True(t, Verify(id.PublicKey(), data, sig))
	assert.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
	assert.False(t, Verify(ed25519.PublicKey{1, 2, 3}, data, sig))
}

// TestSaveLoad 测试持久化往返
func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Save(id, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.ID(), loaded.ID())
}

// TestLoad_Errors 测试加载失败
func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("文件不存在", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.key"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("非 PEM", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.key")
		require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidPEM)
	})

	t.Run("长度错误", func(t *testing.T) {
		path := filepath.Join(dir, "short.key")
		data := pem.EncodeToMemory(&pem.Block{Type: pemTypeEd25519Private, Bytes: []byte{1, 2, 3}})
		require.NoError(t, os.WriteFile(path, data, 0600))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidKeySize)
	})
}

// TestLoadOrCreate 测试首次生成、再次加载
func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	second, err := LoadOrCreate(path)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
}

// TestModule 测试 fx 模块按配置提供身份
func TestModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	cfg := config.NewConfig(types.RoleDialer)
	cfg.Identity.KeyFile = path

	var id *Identity
	app := fxtest.New(t,
		fx.Supply(cfg),
		Module(),
		fx.Populate(&id),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, id)
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.ID(), loaded.ID())
}

// TestFromConfig_Ephemeral 测试临时身份不写文件
func TestFromConfig_Ephemeral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	id, err := FromConfig(config.IdentityConfig{KeyFile: path, Ephemeral: true})
	require.NoError(t, err)
	require.NotNil(t, id)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
