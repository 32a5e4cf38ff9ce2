package server

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-natlink/pkg/types"
)

// 限流错误
var (
	// ErrRateLimited 预留请求过于频繁
	ErrRateLimited = errors.New("relay: reservation rate limited")

	// ErrResourceLimitExceeded 超出全局电路数限制
	ErrResourceLimitExceeded = errors.New("relay: resource limit exceeded")

	// ErrTooManyCircuits 超出单节点电路数限制
	ErrTooManyCircuits = errors.New("relay: too many circuits for peer")
)

// RequestExpiry 闲置的 IP 限流器保留时间
const RequestExpiry = 5 * time.Minute

// LimiterConfig 限流器配置
type LimiterConfig struct {
	// ReservationRate 每个 IP 每秒允许的预留请求数
	ReservationRate float64

	// ReservationBurst 预留请求突发上限
	ReservationBurst int

	// MaxCircuits 最大活跃电路数（0 = 不限制）
	MaxCircuits int

	// MaxCircuitsPerPeer 单节点最大电路数（0 = 不限制）
	MaxCircuitsPerPeer int
}

// Limiter 中继限流器
type Limiter struct {
	config LimiterConfig
	clock  clock.Clock

	mu       sync.Mutex
	ips      map[string]*ipLimiter
	circuits map[types.PeerID]int
	total    int
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter 创建限流器
func NewLimiter(config LimiterConfig, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		config:   config,
		clock:    clk,
		ips:      make(map[string]*ipLimiter),
		circuits: make(map[types.PeerID]int),
	}
}

// AllowReservation 检查来源 IP 是否允许发起预留
func (l *Limiter) AllowReservation(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.cleanupLocked(now)

	if l.config.ReservationRate <= 0 {
		return nil
	}
	il, ok := l.ips[ip]
	if !ok {
		il = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(l.config.ReservationRate), l.config.ReservationBurst)}
		l.ips[ip] = il
	}
	il.lastSeen = now
	if !il.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// AllowCircuit 检查并占用一个电路名额
func (l *Limiter) AllowCircuit(peer types.PeerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.MaxCircuits > 0 && l.total >= l.config.MaxCircuits {
		return ErrResourceLimitExceeded
	}
	if l.config.MaxCircuitsPerPeer > 0 && l.circuits[peer] >= l.config.MaxCircuitsPerPeer {
		return ErrTooManyCircuits
	}

	l.circuits[peer]++
	l.total++
	return nil
}

// ReleaseCircuit 释放电路名额
func (l *Limiter) ReleaseCircuit(peer types.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.circuits[peer] > 0 {
		l.circuits[peer]--
		l.total--

		if l.circuits[peer] == 0 {
			delete(l.circuits, peer)
		}
	}
}

// cleanupLocked 清理闲置的 IP 限流器（需要持有锁）
func (l *Limiter) cleanupLocked(now time.Time) {
	for ip, il := range l.ips {
		if now.Sub(il.lastSeen) > RequestExpiry {
			delete(l.ips, ip)
		}
	}
}

// Stats 返回限流器统计信息
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		TotalCircuits: l.total,
		UniquePeers:   len(l.circuits),
		TrackedIPs:    len(l.ips),
	}
}

// LimiterStats 限流器统计
type LimiterStats struct {
	TotalCircuits int
	UniquePeers   int
	TrackedIPs    int
}
