package remotenode

import (
	"context"
	"sync"

	"github.com/danmuck/meshlink/internal/protocol/codec"
)

const maxEarlyResponses = 16

// binaryMux pairs BinaryResponse pushes with the Sent tag of their request.
// A response may land before the requester has read its tag, so unclaimed
// responses are parked briefly.
type binaryMux struct {
	mu      sync.Mutex
	waiting map[uint32]chan codec.BinaryResponse
	early   map[uint32]codec.BinaryResponse
	order   []uint32
}

func newBinaryMux() *binaryMux {
	return &binaryMux{
		waiting: make(map[uint32]chan codec.BinaryResponse),
		early:   make(map[uint32]codec.BinaryResponse),
	}
}

func (m *binaryMux) deliver(resp codec.BinaryResponse) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.waiting[resp.Tag]; ok {
		delete(m.waiting, resp.Tag)
		ch <- resp
		return true
	}
	if len(m.order) >= maxEarlyResponses {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.early, oldest)
	}
	m.early[resp.Tag] = resp
	m.order = append(m.order, resp.Tag)
	return false
}

func (m *binaryMux) await(ctx context.Context, tag uint32) (codec.BinaryResponse, error) {
	m.mu.Lock()
	if resp, ok := m.early[tag]; ok {
		delete(m.early, tag)
		for i, t := range m.order {
			if t == tag {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return resp, nil
	}
	ch := make(chan codec.BinaryResponse, 1)
	m.waiting[tag] = ch
	m.mu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		m.mu.Lock()
		if m.waiting[tag] == ch {
			delete(m.waiting, tag)
		}
		m.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return codec.BinaryResponse{}, ctx.Err()
	}
}
