package relay

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-natlink/internal/core/relay/pb"
)

// Sentinel errors
var (
	// ErrNoReservation 目标节点没有预留
	ErrNoReservation = errors.New("relay: no reservation")

	// ErrReservationLost 预留丢失（续租失败或与中继断开）
	ErrReservationLost = errors.New("relay: reservation lost")

	// ErrClosed 服务已关闭
	ErrClosed = errors.New("relay: closed")

	// ErrUnexpectedMessage 意外的消息类型
	ErrUnexpectedMessage = errors.New("relay: unexpected message")
)

// StatusError 中继返回的非 OK 状态
type StatusError struct {
	Op     string
	Status pb.Status
}

// Error 实现 error
func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s: %s", e.Op, e.Status)
}

// Is 使 StatusError 可与对应的哨兵错误比较
func (e *StatusError) Is(target error) bool {
	return target == ErrNoReservation && e.Status == pb.StatusNoReservation
}

// CheckStatus 将状态码转换为错误
func CheckStatus(op string, status pb.Status) error {
	if status == pb.StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: status}
}
