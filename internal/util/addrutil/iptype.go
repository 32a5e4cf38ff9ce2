package addrutil

import (
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ============================================================================
//                              IP 类型判断工具
// ============================================================================

// IsLoopbackAddr 是否是回环地址
func IsLoopbackAddr(addr ma.Multiaddr) bool {
	ip := toIP(addr)
	return ip != nil && ip.IsLoopback()
}

// IsPrivateAddr 是否是私网地址
//
// 私网地址范围：10/8、172.16/12、192.168/16、fc00::/7，以及链路本地地址。
func IsPrivateAddr(addr ma.Multiaddr) bool {
	ip := toIP(addr)
	return ip != nil && (ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

// IsPublicAddr 是否是公网地址
func IsPublicAddr(addr ma.Multiaddr) bool {
	ip := toIP(addr)
	return ip != nil && ip.IsGlobalUnicast() && !ip.IsPrivate() && !ip.IsLoopback()
}

// IsUnspecifiedAddr 是否是通配地址（0.0.0.0 或 ::）
func IsUnspecifiedAddr(addr ma.Multiaddr) bool {
	ip := toIP(addr)
	return ip != nil && ip.IsUnspecified()
}

// SameFamily 两个地址是否属于同一 IP 协议族
func SameFamily(a, b ma.Multiaddr) bool {
	ipa, ipb := toIP(a), toIP(b)
	if ipa == nil || ipb == nil {
		return false
	}
	return (ipa.To4() == nil) == (ipb.To4() == nil)
}

// TCPPort 返回地址中的 TCP 端口
func TCPPort(addr ma.Multiaddr) (string, bool) {
	if addr == nil {
		return "", false
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	return port, err == nil
}

// toIP 提取 IP（DNS 地址返回 nil）
func toIP(addr ma.Multiaddr) net.IP {
	if addr == nil {
		return nil
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		return nil
	}
	return ip
}
