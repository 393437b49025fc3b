package agent

import (
	"strconv"
	"sync"
	"testing"
)

func TestMemoryAppendListClear(t *testing.T) {
	m := NewMemory(0)
	m.Append("user", "hello")
	m.Append("assistant", "hi")
	m.Append("user", "   ")

	entries := m.List()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Content != "hello" {
		t.Fatalf("first entry = %#v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Content != "hi" {
		t.Fatalf("second entry = %#v", entries[1])
	}

	m.Clear()
	if got := len(m.List()); got != 0 {
		t.Fatalf("len(entries) after clear = %d, want 0", got)
	}
}

func TestMemoryDropsOldestPastLimit(t *testing.T) {
	m := NewMemory(3)
	for i := range 5 {
		m.Append("user", strconv.Itoa(i))
	}

	entries := m.List()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Content != "2" || entries[2].Content != "4" {
		t.Fatalf("entries = %#v, want contents 2..4", entries)
	}
}

func TestMemoryConcurrentAppend(t *testing.T) {
	m := NewMemory(0)
	const n = 50

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Append("user", "hello")
		}()
	}

	wg.Wait()

	if got := m.Len(); got != n {
		t.Fatalf("len(entries) = %d, want %d", got, n)
	}
}
