package evolution

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km KeyedMutex
	var wg sync.WaitGroup
	var countA, countB int
	counts := map[string]*int{"a": &countA, "b": &countB}
	var mu sync.Mutex
	inside := map[string]int{}

	for i := 0; i < 50; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()

			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				mu.Unlock()
				t.Errorf("two holders of key %s", key)
				return
			}
			mu.Unlock()

			*counts[key]++ // guarded by the key lock

			mu.Lock()
			inside[key]--
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	if countA != 25 || countB != 25 {
		t.Fatalf("unexpected counts a=%d b=%d", countA, countB)
	}
	if km.Len() != 0 {
		t.Fatalf("expected entries released, got %d", km.Len())
	}
}
