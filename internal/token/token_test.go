package token

import (
	"strings"
	"sync"
	"testing"

	"github.com/doughall/pen-locker/internal/identifier"
)

func TestNext_Unique(t *testing.T) {
	g := New()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := g.Next()
		if seen[tok] {
			t.Fatalf("duplicate token after %d calls: %s", i, tok)
		}
		seen[tok] = true
	}
}

func TestNext_ValidIdentifier(t *testing.T) {
	tok := New().Next()
	if !identifier.Valid(tok) {
		t.Errorf("token %q is not a valid identifier", tok)
	}
}

func TestNext_CounterIncreases(t *testing.T) {
	g := New()
	first := strings.Split(g.Next(), "-")
	second := strings.Split(g.Next(), "-")
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("unexpected token shape: %v %v", first, second)
	}
	if first[0] != second[0] {
		t.Errorf("pid part changed: %s vs %s", first[0], second[0])
	}
	if first[1] != "1" || second[1] != "2" {
		t.Errorf("expected counters 1 and 2, got %s and %s", first[1], second[1])
	}
}

func TestNext_Concurrent(t *testing.T) {
	g := New()
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tok := g.Next()
				mu.Lock()
				if seen[tok] {
					t.Errorf("duplicate token: %s", tok)
				}
				seen[tok] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 1000 {
		t.Errorf("expected 1000 tokens, got %d", len(seen))
	}
}
