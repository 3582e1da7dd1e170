package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// PresharedKeyLength 是预共享密钥的固定长度
const PresharedKeyLength = 16

// KeepaliveSettings TCP keepalive 参数，启用时所有值必须大于 0
type KeepaliveSettings struct {
	EnableTcpKeepAlives    bool
	TcpKeepAliveTime       time.Duration
	TcpKeepAliveInterval   time.Duration
	TcpKeepAliveRetryCount int
}

func DefaultKeepaliveSettings() KeepaliveSettings {
	return KeepaliveSettings{
		EnableTcpKeepAlives:    false,
		TcpKeepAliveTime:       5 * time.Second,
		TcpKeepAliveInterval:   5 * time.Second,
		TcpKeepAliveRetryCount: 5,
	}
}

func (k KeepaliveSettings) Validate() error {
	if !k.EnableTcpKeepAlives {
		return nil
	}
	if k.TcpKeepAliveTime <= 0 || k.TcpKeepAliveInterval <= 0 || k.TcpKeepAliveRetryCount <= 0 {
		return withContext(ErrInvalidArgument, "keepalive time, interval and retry count must be positive", nil)
	}
	return nil
}

// config 转换为 net.KeepAliveConfig；未启用时同时返回 -1 以关闭系统默认 keepalive
func (k KeepaliveSettings) config() (net.KeepAliveConfig, time.Duration) {
	if !k.EnableTcpKeepAlives {
		return net.KeepAliveConfig{}, -1
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     k.TcpKeepAliveTime,
		Interval: k.TcpKeepAliveInterval,
		Count:    k.TcpKeepAliveRetryCount,
	}, 0
}

// DefaultMaxMessageSize bounds request, response and broadcast bodies.
const DefaultMaxMessageSize int64 = 64 * 1024 * 1024

type ClientSettings struct {
	Host                 string
	Port                 int
	LocalPort            int // 0 lets the OS choose
	NoDelay              bool
	PresharedKey         string
	StreamBufferSize     int
	MaxProxiedStreamSize int64
	MaxMessageSize       int64
	ConnectTimeout       time.Duration
	IdleServerTimeout    time.Duration // 0 disables the watchdog
	AutoReconnect        time.Duration // 0 disables, otherwise >= 1s
	Channel              int           // registered after the handshake when >= 1
	Keepalive            KeepaliveSettings
}

func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		Host:                 "127.0.0.1",
		Port:                 8000,
		NoDelay:              true,
		StreamBufferSize:     64 * 1024,
		MaxProxiedStreamSize: 64 * 1024 * 1024,
		MaxMessageSize:       DefaultMaxMessageSize,
		ConnectTimeout:       5 * time.Second,
		Keepalive:            DefaultKeepaliveSettings(),
	}
}

func (s ClientSettings) Validate() error {
	switch {
	case strings.TrimSpace(s.Host) == "":
		return withContext(ErrInvalidArgument, "host is empty", nil)
	case s.Port <= 0 || s.Port > 65535:
		return withContext(ErrInvalidArgument, fmt.Sprintf("port %d out of range", s.Port), nil)
	case s.LocalPort != 0 && (s.LocalPort < 1024 || s.LocalPort > 65535):
		return withContext(ErrInvalidArgument, fmt.Sprintf("local port %d must be 0 or 1024-65535", s.LocalPort), nil)
	case s.StreamBufferSize <= 0:
		return withContext(ErrInvalidArgument, "stream buffer size must be positive", nil)
	case s.MaxProxiedStreamSize <= 0:
		return withContext(ErrInvalidArgument, "max proxied stream size must be positive", nil)
	case s.MaxMessageSize <= 0:
		return withContext(ErrInvalidArgument, "max message size must be positive", nil)
	case s.ConnectTimeout <= 0:
		return withContext(ErrInvalidArgument, "connect timeout must be positive", nil)
	case s.IdleServerTimeout < 0:
		return withContext(ErrInvalidArgument, "idle server timeout is negative", nil)
	case s.AutoReconnect != 0 && s.AutoReconnect < time.Second:
		return withContext(ErrInvalidArgument, "auto reconnect interval must be 0 or at least 1s", nil)
	case s.Channel < 0:
		return withContext(ErrInvalidArgument, "channel is negative", nil)
	}
	if err := validatePresharedKey(s.PresharedKey); err != nil {
		return err
	}
	return s.Keepalive.Validate()
}

type ServerSettings struct {
	ListenIP             string
	ListenPort           int
	MaxConnections       int // 0 means unlimited
	PermittedIPs         []string
	BlockedIPs           []string
	PresharedKey         string
	StreamBufferSize     int
	MaxProxiedStreamSize int64
	MaxMessageSize       int64
	IdleClientTimeout    time.Duration // 0 disables idle reaping
	NoDelay              bool
	Keepalive            KeepaliveSettings

	// AuthTimeout bounds how long an unauthenticated client may stay silent.
	AuthTimeout         time.Duration
	SessionTTL          time.Duration
	ForcedSessionUpdate time.Duration // 0 disables forced takeover
}

func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		ListenIP:             "0.0.0.0",
		ListenPort:           8000,
		MaxConnections:       4096,
		StreamBufferSize:     64 * 1024,
		MaxProxiedStreamSize: 64 * 1024 * 1024,
		MaxMessageSize:       DefaultMaxMessageSize,
		NoDelay:              true,
		Keepalive:            DefaultKeepaliveSettings(),
		AuthTimeout:          5 * time.Second,
		SessionTTL:           5 * time.Minute,
	}
}

func (s ServerSettings) Validate() error {
	switch {
	case s.ListenIP != "" && net.ParseIP(s.ListenIP) == nil:
		return withContext(ErrInvalidArgument, fmt.Sprintf("listen ip %q is not an ip address", s.ListenIP), nil)
	case s.ListenPort < 0 || s.ListenPort > 65535:
		return withContext(ErrInvalidArgument, fmt.Sprintf("listen port %d out of range", s.ListenPort), nil)
	case s.MaxConnections < 0:
		return withContext(ErrInvalidArgument, "max connections is negative", nil)
	case s.StreamBufferSize <= 0:
		return withContext(ErrInvalidArgument, "stream buffer size must be positive", nil)
	case s.MaxProxiedStreamSize <= 0:
		return withContext(ErrInvalidArgument, "max proxied stream size must be positive", nil)
	case s.MaxMessageSize <= 0:
		return withContext(ErrInvalidArgument, "max message size must be positive", nil)
	case s.IdleClientTimeout < 0:
		return withContext(ErrInvalidArgument, "idle client timeout is negative", nil)
	case s.AuthTimeout <= 0:
		return withContext(ErrInvalidArgument, "auth timeout must be positive", nil)
	case s.SessionTTL <= 0:
		return withContext(ErrInvalidArgument, "session ttl must be positive", nil)
	case s.ForcedSessionUpdate < 0:
		return withContext(ErrInvalidArgument, "forced session update is negative", nil)
	}
	if _, err := newIPFilter(s.PermittedIPs, s.BlockedIPs); err != nil {
		return err
	}
	if err := validatePresharedKey(s.PresharedKey); err != nil {
		return err
	}
	return s.Keepalive.Validate()
}

func validatePresharedKey(key string) error {
	if key == "" {
		return nil
	}
	if n := len(strings.TrimSpace(key)); n != PresharedKeyLength {
		return withContext(ErrInvalidArgument, fmt.Sprintf("preshared key must be %d characters, got %d", PresharedKeyLength, n), nil)
	}
	return nil
}

// ipFilter 允许/拒绝名单，条目可以是单个地址或 CIDR；拒绝名单优先
type ipFilter struct {
	permitted []netip.Prefix
	blocked   []netip.Prefix
}

func newIPFilter(permitted, blocked []string) (*ipFilter, error) {
	f := &ipFilter{}
	var err error
	if f.permitted, err = parsePrefixes(permitted); err != nil {
		return nil, err
	}
	if f.blocked, err = parsePrefixes(blocked); err != nil {
		return nil, err
	}
	return f, nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, withContext(ErrInvalidArgument, "ip filter entry "+e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, withContext(ErrInvalidArgument, "ip filter entry "+e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (f *ipFilter) allowed(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range f.blocked {
		if p.Contains(ip) {
			return false
		}
	}
	if len(f.permitted) == 0 {
		return true
	}
	for _, p := range f.permitted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteIP 从 net.Addr 中取出 IP
func remoteIP(addr net.Addr) netip.Addr {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
