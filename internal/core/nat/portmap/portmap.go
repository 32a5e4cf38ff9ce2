// Package portmap 通过网关协议（NAT-PMP / UPnP IGD）申请 TCP 端口映射
//
// Discover 依次尝试 NAT-PMP 与 UPnP，返回第一个可用的映射器。
// 映射有租期，由调用方在 Lifetime 内重复 AddMapping 续期。
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dep2p/go-natlink/internal/util/logger"
)

var log = logger.Logger("nat.portmap")

const (
	// DefaultLifetime 映射租期
	DefaultLifetime = time.Hour

	// DefaultTimeout 网关发现与单次操作超时
	DefaultTimeout = 5 * time.Second

	// mappingDescription UPnP 映射描述
	mappingDescription = "go-natlink"
)

// ErrNoGateway 没有找到支持端口映射的网关
var ErrNoGateway = errors.New("portmap: no gateway supports port mapping")

// Mapper 端口映射器
type Mapper interface {
	// Name 返回协议名称，用作外部地址来源
	Name() string

	// ExternalIP 返回网关的外部 IP
	ExternalIP(ctx context.Context) (net.IP, error)

	// AddMapping 申请或续期映射，返回外部端口
	AddMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (int, error)

	// DeleteMapping 删除映射
	DeleteMapping(ctx context.Context, proto string, internalPort, externalPort int) error
}

// MappingError 端口映射错误
type MappingError struct {
	Mapper   string
	Protocol string
	Port     int
	Cause    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("%s: mapping %s port %d failed: %v", e.Mapper, e.Protocol, e.Port, e.Cause)
}

func (e *MappingError) Unwrap() error {
	return e.Cause
}

// Discover 发现可用的端口映射器
func Discover(ctx context.Context) (Mapper, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	pmp, pmpErr := discoverNATPMP(ctx)
	if pmpErr == nil {
		log.Info("发现 NAT-PMP 网关", "gateway", pmp.gateway)
		return pmp, nil
	}
	igd, igdErr := discoverUPnP(ctx)
	if igdErr == nil {
		log.Info("发现 UPnP 网关", "localIP", igd.localIP)
		return igd, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoGateway, errors.Join(pmpErr, igdErr))
}

// withTimeout 在 ctx 内执行阻塞调用
//
// 网关库的调用不接受 ctx，超时后调用方返回，后台调用自行结束。
func withTimeout[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
