package mutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyed_SerializesWritersPerKey(t *testing.T) {
	var m Keyed[string]
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("party")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, m.Len())
}

func TestKeyed_IndependentKeys(t *testing.T) {
	var m Keyed[string]
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, m.Len())
}

func TestKeyed_ReadersShare(t *testing.T) {
	var m Keyed[int]
	r1 := m.RLock(1)
	r2 := m.RLock(1)
	r1()
	r2()
	assert.Equal(t, 0, m.Len())
}
