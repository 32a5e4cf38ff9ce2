package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient WANIPConnection / WANPPPConnection 的公共方法
type igdClient interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

// UPnP UPnP IGD 映射器
type UPnP struct {
	client  igdClient
	localIP net.IP
}

var _ Mapper = (*UPnP)(nil)

// discoverUPnP 依次尝试 IGDv2 与 IGDv1 服务
func discoverUPnP(ctx context.Context) (*UPnP, error) {
	var client igdClient

	if cs, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client = cs[0]
	} else if cs, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client = cs[0]
	} else if cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client = cs[0]
	} else if cs, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client = cs[0]
	} else if cs, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		client = cs[0]
	}
	if client == nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("upnp: discover: %w", err)
		}
		return nil, errors.New("upnp: no internet gateway device")
	}

	localIP, err := outboundIP()
	if err != nil {
		return nil, fmt.Errorf("upnp: local address: %w", err)
	}
	return &UPnP{client: client, localIP: localIP}, nil
}

// outboundIP 返回默认路由使用的本地 IP
func outboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// Name 实现 Mapper
func (m *UPnP) Name() string { return "upnp" }

// ExternalIP 实现 Mapper
func (m *UPnP) ExternalIP(ctx context.Context) (net.IP, error) {
	s, err := m.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("upnp: get external address: %w", err)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("upnp: invalid external address %q", s)
	}
	return ip, nil
}

// AddMapping 实现 Mapper
func (m *UPnP) AddMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (int, error) {
	proto = strings.ToUpper(proto)
	err := m.client.AddPortMappingCtx(ctx, "", uint16(internalPort), proto, uint16(internalPort),
		m.localIP.String(), true, mappingDescription, uint32(lifetime/time.Second))
	if err != nil {
		return 0, &MappingError{Mapper: m.Name(), Protocol: proto, Port: internalPort, Cause: err}
	}
	return internalPort, nil
}

// DeleteMapping 实现 Mapper
func (m *UPnP) DeleteMapping(ctx context.Context, proto string, _, externalPort int) error {
	proto = strings.ToUpper(proto)
	if err := m.client.DeletePortMappingCtx(ctx, "", uint16(externalPort), proto); err != nil {
		return &MappingError{Mapper: m.Name(), Protocol: proto, Port: externalPort, Cause: err}
	}
	return nil
}
