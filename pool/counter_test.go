package pool

import (
	"sync"
	"testing"
	"time"
)

func TestSharedCounterCeiling(t *testing.T) {
	c := NewSharedCounter(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire() {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acquired != 3 || c.Count() != 3 {
		t.Errorf("Expected exactly 3 acquisitions, got %d (count %d)", acquired, c.Count())
	}
}

func TestSharedCounterFreedIsClosedOnRelease(t *testing.T) {
	c := NewSharedCounter(1)
	c.TryAcquire()
	freed := c.Freed()

	select {
	case <-freed:
		t.Fatal("Freed closed before release")
	default:
	}

	c.Release()
	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("Freed not closed by release")
	}
	if c.Freed() == freed {
		t.Error("Expected a fresh channel after release")
	}
}

func TestSharedCounterUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on release without acquire")
		}
	}()
	NewSharedCounter(1).Release()
}

func TestSharedCounterMinimumCeiling(t *testing.T) {
	if NewSharedCounter(0).Ceiling() != 1 {
		t.Error("Expected ceiling to be at least 1")
	}
}
