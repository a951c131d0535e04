package runloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.True(t, l.Do(func() {}))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopConcurrentPost(t *testing.T) {
	l := New()
	defer l.Close()

	count := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	l.Do(func() {})
	assert.Equal(t, 400, count)
}

func TestLoopDrainsOnClose(t *testing.T) {
	l := New()
	ran := 0
	for i := 0; i < 10; i++ {
		l.Post(func() { ran++ })
	}
	l.Close()
	<-l.Done()
	assert.Equal(t, 10, ran)
	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Do(func() {}))
}

func TestLoopPostFromLoop(t *testing.T) {
	l := New()
	defer l.Close()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})
	<-done
}
