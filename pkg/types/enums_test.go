package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseRole 测试角色解析
func TestParseRole(t *testing.T) {
	tests := []struct {
		input string
		want  Role
		ok    bool
	}{
		{"hub", RoleListener, true},
		{"listener", RoleListener, true},
		{" Client ", RoleDialer, true},
		{"dialer", RoleDialer, true},
		{"relay", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRole(tt.input)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidRole)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestRole_JSON 测试角色在配置文件中的编解码
func TestRole_JSON(t *testing.T) {
	var v struct {
		Role Role `json:"role"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"role":"hub"}`), &v))
	assert.Equal(t, RoleListener, v.Role)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"listener"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"role":"bogus"}`), &v))
}

// TestEnums_String 测试枚举字符串
func TestEnums_String(t *testing.T) {
	assert.Equal(t, "inbound", DirInbound.String())
	assert.Equal(t, "outbound", DirOutbound.String())
	assert.Equal(t, "unknown", DirUnknown.String())
	assert.Equal(t, "sent", LivenessSent.String())
	assert.Equal(t, "failed", HolePunchFailed.String())
	assert.Equal(t, "circuit_opened", RelayCircuitOpened.String())
	assert.Equal(t, "unknown", Role(0).String())
}
