package bridge

import (
	"sync"

	"github.com/danderson/dyndbus/dynamic"
)

// pendingCall is an outstanding async call, waiting for a reply.
type pendingCall struct {
	method    string
	onSuccess dynamic.Func
	// onError may be nil, in which case failures are dropped.
	onError dynamic.Func
}

// pendingCalls tracks outstanding async calls by an opaque ID.
type pendingCalls struct {
	mu    sync.Mutex
	last  uint64
	calls map[uint64]pendingCall
}

func (p *pendingCalls) add(c pendingCall) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[uint64]pendingCall{}
	}
	p.last++
	p.calls[p.last] = c
	return p.last
}

// take removes and returns the call with the given ID. It reports
// false if the call was already taken.
func (p *pendingCalls) take(id uint64) (pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret, ok := p.calls[id]
	delete(p.calls, id)
	return ret, ok
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
