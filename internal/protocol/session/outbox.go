package session

import (
	"sort"
	"sync"
	"time"
)

// PendingAck tracks one direct send awaiting SendConfirmed.
type PendingAck struct {
	AckCode   uint32
	MessageID string
	Attempts  int
	QueuedAt  time.Time
	ExpiresAt time.Time
}

// AckOutbox stores pending acks by device ack code. One entry per code.
type AckOutbox struct {
	mu    sync.RWMutex
	items map[uint32]PendingAck
}

func NewAckOutbox() *AckOutbox {
	return &AckOutbox{
		items: make(map[uint32]PendingAck),
	}
}

// Upsert registers item, replacing any entry with the same ack code. The
// replaced entry is returned so the caller can settle its message.
func (o *AckOutbox) Upsert(item PendingAck) (PendingAck, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev, ok := o.items[item.AckCode]
	o.items[item.AckCode] = item
	return prev, ok
}

// Take removes and returns the entry for ackCode.
func (o *AckOutbox) Take(ackCode uint32) (PendingAck, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[ackCode]
	if ok {
		delete(o.items, ackCode)
	}
	return item, ok
}

func (o *AckOutbox) Remove(ackCode uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, ackCode)
}

func (o *AckOutbox) Get(ackCode uint32) (PendingAck, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[ackCode]
	return item, ok
}

// TakeExpired removes and returns every entry whose deadline is at or
// before now.
func (o *AckOutbox) TakeExpired(now time.Time) []PendingAck {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []PendingAck
	for code, item := range o.items {
		if !item.ExpiresAt.After(now) {
			out = append(out, item)
			delete(o.items, code)
		}
	}
	sortPending(out)
	return out
}

func (o *AckOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *AckOutbox) List() []PendingAck {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingAck, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingAck) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].AckCode < items[j].AckCode
	})
}
