package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeerID(t *testing.T) PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

// TestPeerIDFromPublicKey 测试从公钥派生 PeerID
func TestPeerIDFromPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id, err := PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.String(), "12D3KooW"), "got %s", id)

	parsed, err := ParsePeerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	got, err := id.PublicKey()
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	t.Log("✅ PeerID 派生与还原正确")
}

// TestPeerIDFromPublicKey_BadLength 测试错误长度的公钥
func TestPeerIDFromPublicKey_BadLength(t *testing.T) {
	_, err := PeerIDFromPublicKey(ed25519.PublicKey([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}

// TestParsePeerID 测试 PeerID 解析
func TestParsePeerID(t *testing.T) {
	valid := newTestPeerID(t)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"有效", valid.String(), false},
		{"空字符串", "", true},
		{"非 base58", "12D3KooW0OIl", true},
		{"截断", valid.String()[:20], true},
		{"随意字符串", "hello", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePeerID(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPeerID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestPeerID_ShortString 测试短字符串
func TestPeerID_ShortString(t *testing.T) {
	id := PeerID("12D3KooWTestLongPeerID")
	assert.Equal(t, "12D3KooW...rID", id.ShortString())

	short := PeerID("12D3KooW")
	assert.Equal(t, "12D3KooW", short.ShortString())
}

// TestPeerID_Less 测试全序的确定性
func TestPeerID_Less(t *testing.T) {
	for i := 0; i < 64; i++ {
		a := newTestPeerID(t)
		b := newTestPeerID(t)
		if a == b {
			continue
		}
		// 恰有一方更小
		assert.NotEqual(t, a.Less(b), b.Less(a), "a=%s b=%s", a, b)
	}

	a := newTestPeerID(t)
	assert.False(t, a.Less(a))
}

// TestPeerIDFromBytes 测试从 multihash 字节还原 PeerID
func TestPeerIDFromBytes(t *testing.T) {
	id := newTestPeerID(t)

	got, err := PeerIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = PeerIDFromBytes([]byte{0x00, 0x03, 1, 2})
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}
