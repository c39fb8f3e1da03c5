package discovery

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	assert.Nil(t, q.Drain())

	q.Push("Alice")
	q.Push("Bob")
	q.Push("Alice")
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, []string{"Alice", "Bob", "Alice"}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(fmt.Sprintf("p%d-%d", p, i))
			}
		}(p)
	}

	var drained []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(drained) < producers*perProducer {
			drained = append(drained, q.Drain()...)
		}
	}()

	wg.Wait()
	<-done
	assert.Len(t, drained, producers*perProducer)

	// per-producer order survives
	last := make(map[string]int)
	for _, name := range drained {
		var p, i int
		_, err := fmt.Sscanf(name, "p%d-%d", &p, &i)
		assert.NoError(t, err)
		key := fmt.Sprint(p)
		if prev, ok := last[key]; ok {
			assert.Greater(t, i, prev)
		}
		last[key] = i
	}
}
