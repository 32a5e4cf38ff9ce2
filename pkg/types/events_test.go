package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAllEventKinds 测试事件种类枚举完整且名称唯一
func TestAllEventKinds(t *testing.T) {
	kinds := AllEventKinds()
	assert.Len(t, kinds, len(eventKindNames))

	seen := make(map[string]bool)
	for _, k := range kinds {
		name := k.String()
		assert.False(t, seen[name], "重复名称 %s", name)
		seen[name] = true
	}
	assert.Equal(t, "unknown", EventKind(999).String())
}

// TestEvent_Kind 测试每个事件类型返回正确的种类
func TestEvent_Kind(t *testing.T) {
	events := []struct {
		ev   Event
		want EventKind
	}{
		{EvtListenAddrBound{}, KindListenAddrBound},
		{EvtListenerClosed{}, KindListenerClosed},
		{EvtListenError{}, KindListenError},
		{EvtDialing{}, KindDialing},
		{EvtConnectionEstablished{}, KindConnectionEstablished},
		{EvtConnectionClosed{}, KindConnectionClosed},
		{EvtLiveness{}, KindLiveness},
		{EvtIdentifySent{}, KindIdentifySent},
		{EvtIdentifyReceived{}, KindIdentifyReceived},
		{EvtReservationAccepted{}, KindReservationAccepted},
		{EvtRelayServer{}, KindRelayServer},
		{EvtHolePunch{}, KindHolePunch},
		{EvtExternalAddress{}, KindExternalAddress},
		{EvtDialError{}, KindDialError},
		{EvtIncomingConnectionError{}, KindIncomingConnectionError},
		{EvtUnknown{}, KindUnknown},
	}

	// 每个种类恰好对应一个事件类型
	assert.Len(t, events, len(AllEventKinds()))
	seen := make(map[EventKind]bool)
	for _, tt := range events {
		assert.Equal(t, tt.want, tt.ev.Kind())
		seen[tt.ev.Kind()] = true
	}
	assert.Len(t, seen, len(AllEventKinds()))
}
