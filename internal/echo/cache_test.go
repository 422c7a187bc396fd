package echo

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestConsumeOncePerID(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()

	c.Register("msg-1")

	if !c.Consume("msg-1") {
		t.Fatal("expected first consume to return true")
	}
	if c.Consume("msg-1") {
		t.Fatal("expected second consume of same id to return false")
	}
}

func TestConsumeUnregistered(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()

	if c.Consume("never-registered") {
		t.Fatal("expected consume of unknown id to return false")
	}
}

func TestEntryExpires(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Close()

	c.Register("msg-ttl")
	time.Sleep(30 * time.Millisecond)

	if c.Consume("msg-ttl") {
		t.Fatal("expected expired entry not to be consumable")
	}
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Close()

	c.Register("a")
	c.Register("b")

	deadline := time.Now().Add(time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("expected sweeper to empty the cache, still %d entries", got)
	}
}

func TestConcurrentRegisterConsume(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Close()

	const n = 100
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("msg-%d", i)
		c.Register(ids[i])
	}

	var wg sync.WaitGroup
	hits := make(chan string, n*2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				if c.Consume(id) {
					hits <- id
				}
			}
		}()
	}
	wg.Wait()
	close(hits)

	seen := make(map[string]int)
	for id := range hits {
		seen[id]++
	}
	if len(seen) != n {
		t.Fatalf("expected all %d ids consumed, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("id %s consumed %d times, want exactly once", id, count)
		}
	}
}
