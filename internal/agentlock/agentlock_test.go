package agentlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesPerAgent(t *testing.T) {
	locks := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.WithLock("a1", func() error {
				v := counter
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestLockIndependentAgents(t *testing.T) {
	locks := New()
	unlockA := locks.Lock("a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(acquired)
	}()
	<-acquired
}

func TestBeginGuardsInFlight(t *testing.T) {
	locks := New()

	done, ok := locks.Begin("a1")
	assert.True(t, ok)

	_, ok = locks.Begin("a1")
	assert.False(t, ok)

	_, ok = locks.Begin("a2")
	assert.True(t, ok)

	done()
	_, ok = locks.Begin("a1")
	assert.True(t, ok)
}

func TestExclusiveExcludesCycles(t *testing.T) {
	locks := New()

	done, ok := locks.Begin("a1")
	require.True(t, ok)
	ran := false
	err := locks.Exclusive("a1", func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, ran)
	done()

	err = locks.Exclusive("a1", func() error {
		_, ok := locks.Begin("a1")
		assert.False(t, ok, "cycle must not start during exclusive work")
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, ok = locks.Begin("a1")
	assert.True(t, ok)
}

func TestExclusiveWaitsForWriter(t *testing.T) {
	locks := New()
	unlock := locks.Lock("a1")

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		_ = locks.Exclusive("a1", func() error { return nil })
		close(finished)
	}()
	<-started
	select {
	case <-finished:
		t.Fatal("exclusive work ran while the write lock was held")
	default:
	}
	unlock()
	<-finished
}
