package nat

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/dep2p/go-natlink/internal/core/nat/portmap"
	"github.com/dep2p/go-natlink/internal/core/nat/stun"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
)

var log = logger.Logger("nat")

// SourceSTUN STUN 发现的外部地址来源
const SourceSTUN = "stun"

// ErrNoListenPort 没有可用于组合外部地址的 TCP 监听端口
var ErrNoListenPort = errors.New("nat: no tcp listen port")

// ============================================================================
//                              可达性
// ============================================================================

// Reachability 可达性状态
type Reachability int

const (
	// ReachabilityUnknown 未知
	ReachabilityUnknown Reachability = iota
	// ReachabilityPublic 公网可达（监听地址即公网地址，或端口映射成功）
	ReachabilityPublic
	// ReachabilityPrivate NAT 后
	ReachabilityPrivate
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityPublic:
		return "Public"
	case ReachabilityPrivate:
		return "Private"
	default:
		return "Unknown"
	}
}

// ============================================================================
//                              配置
// ============================================================================

// Config NAT 服务配置
type Config struct {
	STUNServers     []string
	PortMapping     bool
	BootDelay       time.Duration
	RetryInterval   time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		STUNServers:     []string{"stun.l.google.com:19302"},
		BootDelay:       5 * time.Second,
		RetryInterval:   10 * time.Second,
		RefreshInterval: 30 * time.Second,
	}
}

// addrProber 公网 IP 探测
type addrProber interface {
	ExternalAddr(ctx context.Context) (*net.UDPAddr, error)
}

// mapping 已建立的端口映射
type mapping struct {
	external int
	renewAt  time.Time
}

// ============================================================================
//                              Service
// ============================================================================

// Service 可达性探测服务
type Service struct {
	host   interfaces.Host
	config Config
	clock  clock.Clock

	prober   addrProber
	discover func(context.Context) (portmap.Mapper, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	mapper       portmap.Mapper
	mappings     map[int]mapping
	reachability Reachability
	started      bool
}

// NewService 创建可达性探测服务
func NewService(host interfaces.Host, cfg Config) *Service {
	s := newService(host, cfg, clock.New())
	if len(cfg.STUNServers) > 0 {
		s.prober = stun.NewClient(cfg.STUNServers)
	}
	if cfg.PortMapping {
		s.discover = portmap.Discover
	}
	return s
}

func newService(host interfaces.Host, cfg Config, clk clock.Clock) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:     host,
		config:   cfg,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		mappings: make(map[int]mapping),
	}
}

// Start 启动探测循环
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	if s.prober == nil && s.discover == nil {
		log.Info("未配置 STUN 与端口映射，跳过可达性探测")
		return
	}
	s.wg.Add(1)
	go s.loop()
}

// Close 停止探测并删除端口映射
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	mapper, mappings := s.mapper, s.mappings
	s.mappings = make(map[int]mapping)
	s.mu.Unlock()

	if mapper == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), portmap.DefaultTimeout)
	defer cancel()

	var errs error
	for internal, m := range mappings {
		errs = multierr.Append(errs, mapper.DeleteMapping(ctx, "tcp", internal, m.external))
	}
	if errs != nil {
		log.Debug("删除端口映射失败", "mapper", mapper.Name(), "err", errs)
	}
	return errs
}

// Reachability 返回最近一次探测得到的可达性
func (s *Service) Reachability() Reachability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachability
}

// loop 启动延迟后探测；成功按刷新间隔，失败按重试间隔
func (s *Service) loop() {
	defer s.wg.Done()

	timer := s.clock.Timer(s.config.BootDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		next := s.config.RefreshInterval
		if err := s.probe(s.ctx); err != nil {
			log.Debug("可达性探测失败", "err", err, "retry", s.config.RetryInterval)
			next = s.config.RetryInterval
		}
		timer.Reset(next)
	}
}

// probe 执行一轮探测：STUN 获取公网 IP，端口映射获取可达端口
func (s *Service) probe(ctx context.Context) error {
	ports, public := s.listenPorts()
	if len(ports) == 0 {
		return ErrNoListenPort
	}

	var (
		errs    error
		found   bool
		reached = public
	)

	if s.prober != nil {
		ip, err := s.stunIP(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			for _, port := range ports {
				if addr, err := tcpAddr(ip, port); err == nil {
					s.host.AddExternalAddr(addr, SourceSTUN)
				}
			}
			found = true
		}
	}

	if s.discover != nil {
		n, err := s.mapPorts(ctx, ports)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		if n > 0 {
			found, reached = true, true
		}
	}

	switch {
	case reached:
		s.setReachability(ReachabilityPublic)
	case found:
		s.setReachability(ReachabilityPrivate)
	}
	if !found && !reached {
		return errs
	}
	return nil
}

func (s *Service) stunIP(ctx context.Context) (net.IP, error) {
	addr, err := s.prober.ExternalAddr(ctx)
	if err != nil {
		return nil, err
	}
	return addr.IP, nil
}

// mapPorts 为监听端口建立或续租映射，返回有效映射数
func (s *Service) mapPorts(ctx context.Context, ports []int) (int, error) {
	mapper, err := s.ensureMapper(ctx)
	if err != nil {
		return 0, err
	}
	ip, err := mapper.ExternalIP(ctx)
	if err != nil {
		return 0, err
	}

	var errs error
	active := 0
	now := s.clock.Now()
	for _, port := range ports {
		s.mu.Lock()
		m, ok := s.mappings[port]
		s.mu.Unlock()

		if !ok || !now.Before(m.renewAt) {
			ext, err := mapper.AddMapping(ctx, "tcp", port, portmap.DefaultLifetime)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			m = mapping{external: ext, renewAt: now.Add(portmap.DefaultLifetime / 2)}
			s.mu.Lock()
			s.mappings[port] = m
			s.mu.Unlock()
			log.Info("端口映射成功", "mapper", mapper.Name(), "internal", port, "external", ext)
		}

		if addr, err := tcpAddr(ip, m.external); err == nil {
			s.host.AddExternalAddr(addr, mapper.Name())
		}
		active++
	}
	return active, errs
}

func (s *Service) ensureMapper(ctx context.Context) (portmap.Mapper, error) {
	s.mu.Lock()
	mapper := s.mapper
	s.mu.Unlock()
	if mapper != nil {
		return mapper, nil
	}

	mapper, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("发现端口映射网关", "mapper", mapper.Name())

	s.mu.Lock()
	s.mapper = mapper
	s.mu.Unlock()
	return mapper, nil
}

func (s *Service) setReachability(r Reachability) {
	s.mu.Lock()
	old := s.reachability
	s.reachability = r
	s.mu.Unlock()

	if old != r {
		log.Info("可达性变更", "old", old, "new", r)
	}
}

// listenPorts 返回非中继 TCP 监听端口，以及是否有监听地址本身就是公网地址
func (s *Service) listenPorts() ([]int, bool) {
	seen := make(map[int]struct{})
	var (
		ports  []int
		public bool
	)
	for _, a := range s.host.ListenAddrs() {
		if addrutil.IsRelayAddr(a) {
			continue
		}
		p, ok := addrutil.TCPPort(a)
		if !ok {
			continue
		}
		port, err := strconv.Atoi(p)
		if err != nil || port == 0 {
			continue
		}
		if addrutil.IsPublicAddr(a) {
			public = true
		}
		if _, ok := seen[port]; ok {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports, public
}

func tcpAddr(ip net.IP, port int) (ma.Multiaddr, error) {
	return manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: port})
}
