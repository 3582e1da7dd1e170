package transport

import (
	"sync"
	"time"
)

// IdentitySession 把一个应用层身份绑定到唯一的连接上
type IdentitySession struct {
	mu sync.Mutex

	ConnectionID        string
	IdentityID          string
	IpPort              string
	IpOnly              string
	Expires             time.Time
	ForcedSessionUpdate time.Time

	owner   *ClientContext
	removed bool
}

// SessionInfo is a lock-free snapshot of an IdentitySession.
type SessionInfo struct {
	ConnectionID        string
	IdentityID          string
	IpPort              string
	IpOnly              string
	Expires             time.Time
	ForcedSessionUpdate time.Time
}

// IdentitySessions 实现身份的“认领或抢占”：同 IP 重新认领总是成功并刷新过期时间；
// 不同 IP 只有在会话过期或强制更新窗口结束后才能抢占，原持有者被降级。
type IdentitySessions struct {
	sessions sync.Map // identity id -> *IdentitySession
	ttl      time.Duration
	forced   time.Duration
	now      func() time.Time
}

func NewIdentitySessions(ttl, forced time.Duration) *IdentitySessions {
	return &IdentitySessions{ttl: ttl, forced: forced, now: time.Now}
}

// Claim 尝试让 cc 持有 identityID，返回是否认证成功
func (s *IdentitySessions) Claim(identityID string, cc *ClientContext) bool {
	if identityID == "" || cc == nil {
		return false
	}
	for {
		v, _ := s.sessions.LoadOrStore(identityID, &IdentitySession{IdentityID: identityID})
		sess := v.(*IdentitySession)
		ok, retry, previous := s.claimLocked(sess, cc)
		if retry {
			continue
		}
		if ok && previous != "" && previous != identityID {
			s.Release(previous, cc)
		}
		return ok
	}
}

func (s *IdentitySessions) claimLocked(sess *IdentitySession, cc *ClientContext) (ok, retry bool, previous string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return false, true, ""
	}
	now := s.now()
	ip := cc.IP()
	switch {
	case sess.owner == nil, sess.owner == cc, sess.IpOnly == ip:
	case now.After(sess.Expires):
	case !sess.ForcedSessionUpdate.IsZero() && now.After(sess.ForcedSessionUpdate):
	default:
		return false, false, ""
	}

	prev := sess.owner
	if prev != cc {
		if prev != nil {
			prev.demote(sess.IdentityID)
		}
		sess.owner = cc
		sess.ConnectionID = cc.ID()
		sess.IpPort = cc.IpPort()
		sess.IpOnly = ip
		if s.forced > 0 {
			sess.ForcedSessionUpdate = now.Add(s.forced)
		} else {
			sess.ForcedSessionUpdate = time.Time{}
		}
	}
	sess.Expires = now.Add(s.ttl)
	previous = cc.bindIdentity(sess.IdentityID)
	return true, false, previous
}

// Release 在 cc 仍持有会话时删除它，用于断开连接
func (s *IdentitySessions) Release(identityID string, cc *ClientContext) bool {
	v, ok := s.sessions.Load(identityID)
	if !ok {
		return false
	}
	sess := v.(*IdentitySession)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed || sess.owner != cc {
		return false
	}
	sess.removed = true
	s.sessions.CompareAndDelete(identityID, sess)
	return true
}

// Remove 无条件删除会话并降级当前持有者
func (s *IdentitySessions) Remove(identityID string) bool {
	v, ok := s.sessions.Load(identityID)
	if !ok {
		return false
	}
	sess := v.(*IdentitySession)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return false
	}
	sess.removed = true
	if sess.owner != nil {
		sess.owner.demote(identityID)
	}
	s.sessions.CompareAndDelete(identityID, sess)
	return true
}

func (s *IdentitySessions) Lookup(identityID string) (SessionInfo, bool) {
	v, ok := s.sessions.Load(identityID)
	if !ok {
		return SessionInfo{}, false
	}
	sess := v.(*IdentitySession)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed || sess.owner == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ConnectionID:        sess.ConnectionID,
		IdentityID:          sess.IdentityID,
		IpPort:              sess.IpPort,
		IpOnly:              sess.IpOnly,
		Expires:             sess.Expires,
		ForcedSessionUpdate: sess.ForcedSessionUpdate,
	}, true
}

func (s *IdentitySessions) Len() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
