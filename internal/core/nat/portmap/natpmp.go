package portmap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// natpmpClient go-nat-pmp 客户端中使用的方法
type natpmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NATPMP NAT-PMP 映射器
type NATPMP struct {
	gateway net.IP
	client  natpmpClient
}

var _ Mapper = (*NATPMP)(nil)

// discoverNATPMP 发现默认网关并确认其支持 NAT-PMP
func discoverNATPMP(ctx context.Context) (*NATPMP, error) {
	gw, err := withTimeout(ctx, gateway.DiscoverGateway)
	if err != nil {
		return nil, fmt.Errorf("natpmp: discover gateway: %w", err)
	}

	timeout := DefaultTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	m := &NATPMP{gateway: gw, client: natpmp.NewClientWithTimeout(gw, timeout)}
	if _, err := m.ExternalIP(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Name 实现 Mapper
func (m *NATPMP) Name() string { return "natpmp" }

// ExternalIP 实现 Mapper
func (m *NATPMP) ExternalIP(ctx context.Context) (net.IP, error) {
	res, err := withTimeout(ctx, m.client.GetExternalAddress)
	if err != nil {
		return nil, fmt.Errorf("natpmp: get external address: %w", err)
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}

// AddMapping 实现 Mapper
func (m *NATPMP) AddMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (int, error) {
	proto = strings.ToLower(proto)
	res, err := withTimeout(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return m.client.AddPortMapping(proto, internalPort, internalPort, int(lifetime/time.Second))
	})
	if err != nil {
		return 0, &MappingError{Mapper: m.Name(), Protocol: proto, Port: internalPort, Cause: err}
	}
	return int(res.MappedExternalPort), nil
}

// DeleteMapping 实现 Mapper
//
// 租期为 0 表示删除映射。
func (m *NATPMP) DeleteMapping(ctx context.Context, proto string, internalPort, _ int) error {
	proto = strings.ToLower(proto)
	_, err := withTimeout(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return m.client.AddPortMapping(proto, internalPort, 0, 0)
	})
	if err != nil {
		return &MappingError{Mapper: m.Name(), Protocol: proto, Port: internalPort, Cause: err}
	}
	return nil
}
