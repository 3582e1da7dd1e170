package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/protocol"
)

const (
	authPending int32 = iota
	authOK
	authFailed
)

// ClientContext 是服务端为每个已接受连接维护的上下文
type ClientContext struct {
	*Conn

	ip          string
	connectedAt time.Time

	authState      atomic.Int32
	channel        atomic.Int64 // 0 means none
	requestAllowed atomic.Bool

	mu         sync.RWMutex
	identityID string
	role       string
}

func newClientContext(nc net.Conn, opt connOptions) *ClientContext {
	cc := &ClientContext{
		Conn:        newConn(nc, opt),
		connectedAt: time.Now(),
	}
	if ip := remoteIP(nc.RemoteAddr()); ip.IsValid() {
		cc.ip = ip.String()
	} else if host, _, err := net.SplitHostPort(cc.IpPort()); err == nil {
		cc.ip = host
	}
	cc.requestAllowed.Store(true)
	return cc
}

// IP 返回对端 IP（不含端口）
func (cc *ClientContext) IP() string { return cc.ip }

func (cc *ClientContext) ConnectedAt() time.Time { return cc.connectedAt }

// Authenticated 报告握手是否已完成
func (cc *ClientContext) Authenticated() bool { return cc.authState.Load() == authOK }

// Channel 返回客户端注册的频道
func (cc *ClientContext) Channel() (int, bool) {
	ch := cc.channel.Load()
	return int(ch), ch > 0
}

func (cc *ClientContext) setChannel(ch int) { cc.channel.Store(int64(ch)) }

// IdentityID 返回当前持有的身份，未认领时为空
func (cc *ClientContext) IdentityID() string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.identityID
}

// Role 返回路由权限检查使用的角色
func (cc *ClientContext) Role() string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.role
}

// SetRole 设置角色，例如 router.RoleAdmin
func (cc *ClientContext) SetRole(role string) {
	cc.mu.Lock()
	cc.role = role
	cc.mu.Unlock()
}

// RequestAllowed 为 false 时入站请求一律以 SessionExpired 应答
func (cc *ClientContext) RequestAllowed() bool { return cc.requestAllowed.Load() }

// bindIdentity 设置身份并恢复请求权限，返回之前的身份
func (cc *ClientContext) bindIdentity(id string) string {
	cc.mu.Lock()
	prev := cc.identityID
	cc.identityID = id
	cc.mu.Unlock()
	cc.requestAllowed.Store(true)
	return prev
}

// demote 清除身份与请求权限，身份已变化时不做处理
func (cc *ClientContext) demote(id string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.identityID != id {
		return
	}
	cc.identityID = ""
	cc.role = ""
	cc.requestAllowed.Store(false)
}

// IsConnected 通过非阻塞探测判断连接是否存活，不消费任何数据
func (cc *ClientContext) IsConnected() bool {
	if cc.Closed() {
		return false
	}
	return probeAlive(cc.nc)
}

// Idle 返回距最近一次收到数据经过的时间
func (cc *ClientContext) Idle(now time.Time) time.Duration {
	return now.Sub(cc.LastActive())
}

// notify 发送控制消息后关闭连接，返回通知是否写出
func (cc *ClientContext) notify(t protocol.MessageType, reason DisconnectReason) bool {
	cc.setReason(reason)
	ok := cc.sendControl(t)
	cc.Close()
	return ok
}

// Info 返回用于展示的快照
func (cc *ClientContext) Info() observe.ClientInfo {
	ch, _ := cc.Channel()
	return observe.ClientInfo{
		ID:            cc.ID(),
		IpPort:        cc.IpPort(),
		IdentityID:    cc.IdentityID(),
		Role:          cc.Role(),
		Channel:       ch,
		Authenticated: cc.Authenticated(),
		ConnectedAt:   cc.connectedAt,
		LastActive:    cc.LastActive(),
		Pending:       cc.Pending(),
	}
}
