package transport

import (
	"sync"
	"sync/atomic"
)

// ClientRegistry 以 ip:port 为键保存在线客户端，每个远端地址至多一个上下文
type ClientRegistry struct {
	sync.Map // key: ip:port -> *ClientContext
	count    int64
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{}
}

// Add 注册客户端，地址已存在时返回 ErrDuplicateEndpoint 且不覆盖已有条目
func (r *ClientRegistry) Add(cc *ClientContext) error {
	if cc == nil {
		return withContext(ErrInvalidArgument, "client is nil", nil)
	}
	if _, loaded := r.LoadOrStore(cc.IpPort(), cc); loaded {
		return withContext(ErrDuplicateEndpoint, cc.IpPort(), nil)
	}
	atomic.AddInt64(&r.count, 1)
	return nil
}

// Remove 仅当注册的仍是 cc 本身时才移除
func (r *ClientRegistry) Remove(cc *ClientContext) bool {
	if cc == nil {
		return false
	}
	if r.CompareAndDelete(cc.IpPort(), cc) {
		atomic.AddInt64(&r.count, -1)
		return true
	}
	return false
}

func (r *ClientRegistry) Count() int64 {
	return atomic.LoadInt64(&r.count)
}

func (r *ClientRegistry) Get(ipPort string) (*ClientContext, bool) {
	v, ok := r.Load(ipPort)
	if !ok {
		return nil, false
	}
	cc, ok := v.(*ClientContext)
	return cc, ok && cc != nil
}

// Each 遍历所有非空条目，fn 返回 false 时停止
func (r *ClientRegistry) Each(fn func(*ClientContext) bool) {
	r.Range(func(_, v any) bool {
		cc, ok := v.(*ClientContext)
		if !ok || cc == nil {
			return true
		}
		return fn(cc)
	})
}

// All 返回所有客户端的快照
func (r *ClientRegistry) All() []*ClientContext {
	out := make([]*ClientContext, 0)
	r.Each(func(cc *ClientContext) bool {
		out = append(out, cc)
		return true
	})
	return out
}

func (r *ClientRegistry) Filter(match func(*ClientContext) bool) []*ClientContext {
	out := make([]*ClientContext, 0)
	r.Each(func(cc *ClientContext) bool {
		if match(cc) {
			out = append(out, cc)
		}
		return true
	})
	return out
}

func (r *ClientRegistry) ByIP(ip string) []*ClientContext {
	return r.Filter(func(cc *ClientContext) bool { return cc.IP() == ip })
}

func (r *ClientRegistry) ByIdentity(identityID string) []*ClientContext {
	return r.Filter(func(cc *ClientContext) bool { return identityID != "" && cc.IdentityID() == identityID })
}

func (r *ClientRegistry) ByChannel(channel int) []*ClientContext {
	return r.Filter(func(cc *ClientContext) bool {
		ch, ok := cc.Channel()
		return ok && ch == channel
	})
}

// Prune 删除值为空或类型不符的条目，返回删除数量
func (r *ClientRegistry) Prune() int {
	n := 0
	r.Range(func(k, v any) bool {
		if cc, ok := v.(*ClientContext); !ok || cc == nil {
			if r.CompareAndDelete(k, v) {
				atomic.AddInt64(&r.count, -1)
				n++
			}
		}
		return true
	})
	return n
}
