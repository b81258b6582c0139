package ipc

import (
	"sync"
	"time"
)

// pendingRequest waits for the reply carrying its id. It is destroyed on a
// matching reply, on timeout, or when the connection closes.
type pendingRequest struct {
	id       uint64
	sentAt   time.Time
	awaiting Type
	reply    chan Message
}

type pending struct {
	mu   sync.Mutex
	reqs map[uint64]*pendingRequest
}

func newPending() *pending {
	return &pending{reqs: make(map[uint64]*pendingRequest)}
}

func (p *pending) add(id uint64, awaiting Type) *pendingRequest {
	req := &pendingRequest{
		id:       id,
		sentAt:   time.Now(),
		awaiting: awaiting,
		reply:    make(chan Message, 1),
	}
	p.mu.Lock()
	p.reqs[id] = req
	p.mu.Unlock()
	return req
}

// resolve hands m to the request waiting on m.ID. It reports false when no
// request is waiting, in which case the caller discards the reply.
func (p *pending) resolve(m Message) bool {
	p.mu.Lock()
	req, ok := p.reqs[m.ID]
	if ok {
		delete(p.reqs, m.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	req.reply <- m
	return true
}

func (p *pending) remove(id uint64) {
	p.mu.Lock()
	delete(p.reqs, id)
	p.mu.Unlock()
}

func (p *pending) clear() {
	p.mu.Lock()
	p.reqs = make(map[uint64]*pendingRequest)
	p.mu.Unlock()
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}
