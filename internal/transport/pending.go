package transport

import (
	"sync"
	"sync/atomic"

	"github.com/hongjun500/signal/internal/protocol"
)

// pendingResult is what a waiter receives when its response arrives.
type pendingResult struct {
	msg  *protocol.Message
	data []byte
}

// pendingTable 按会话 ID 关联 RPC 请求与等待者，每个 ID 至多一个条目
type pendingTable struct {
	sync.Map // key: conversation id -> chan pendingResult
	count    int64
}

func newPendingTable() *pendingTable {
	return &pendingTable{}
}

// add 注册等待者，重复的会话 ID 返回 ErrDuplicateConversation
func (p *pendingTable) add(id string) (<-chan pendingResult, error) {
	ch := make(chan pendingResult, 1)
	if _, loaded := p.LoadOrStore(id, ch); loaded {
		return nil, withContext(ErrDuplicateConversation, id, nil)
	}
	atomic.AddInt64(&p.count, 1)
	return ch, nil
}

// resolve 交付响应并移除条目。未知或已移除的 ID 返回 false。
func (p *pendingTable) resolve(id string, res pendingResult) bool {
	v, ok := p.LoadAndDelete(id)
	if !ok {
		return false
	}
	atomic.AddInt64(&p.count, -1)
	v.(chan pendingResult) <- res
	return true
}

// remove 移除条目（超时、取消或发送失败）
func (p *pendingTable) remove(id string) bool {
	if _, ok := p.LoadAndDelete(id); ok {
		atomic.AddInt64(&p.count, -1)
		return true
	}
	return false
}

func (p *pendingTable) len() int64 {
	return atomic.LoadInt64(&p.count)
}
