package spool

import (
	"context"
	"sync"

	"github.com/doughall/pen-locker/internal/token"
)

// Memory is an in-process Queue for tests and embedding.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	tokens  *token.Generator
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{tokens: token.New()}
}

func (m *Memory) Enqueue(ctx context.Context, channelPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{ID: m.tokens.Next(), Channel: channelPath})
	return nil
}

func (m *Memory) Claim(ctx context.Context) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	e := m.entries[0]
	m.entries = m.entries[1:]
	return e, true, nil
}

func (m *Memory) Pending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
