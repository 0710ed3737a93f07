package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOrderPerSubscriber(t *testing.T) {
	p := NewPub[int]()
	a := p.Subscribe()
	b := p.Subscribe()

	for i := 0; i < 100; i++ {
		p.Write(i)
	}
	p.Close()

	ctx := context.Background()
	for _, sub := range []*Sub[int]{a, b} {
		for i := 0; i < 100; i++ {
			v, ok := sub.Read(ctx)
			require.True(t, ok)
			assert.Equal(t, i, v)
		}
		_, ok := sub.Read(ctx)
		assert.False(t, ok, "end-of-stream after drain")
	}
}

func TestLateSubscriberMissesPriorWrites(t *testing.T) {
	p := NewPub[string]()
	p.Write("early")

	s := p.Subscribe()
	p.Write("late")
	p.Close()

	v, ok := s.Read(context.Background())
	require.True(t, ok)
	assert.Equal(t, "late", v)
	_, ok = s.Read(context.Background())
	assert.False(t, ok)
}

func TestSubscribeAfterClose(t *testing.T) {
	p := NewPub[int]()
	p.Close()
	assert.True(t, p.Closed())

	s := p.Subscribe()
	_, ok := s.Read(context.Background())
	assert.False(t, ok)

	// Writes after close are dropped, not a panic.
	p.Write(1)
}

func TestCancelDetaches(t *testing.T) {
	p := NewPub[int]()
	s := p.Subscribe()
	require.Equal(t, 1, p.SubscriberCount())

	s.Cancel()
	assert.Equal(t, 0, p.SubscriberCount())

	_, ok := s.Read(context.Background())
	assert.False(t, ok)
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := NewPub[int]()
	s := p.Subscribe()

	got := make(chan int, 1)
	go func() {
		v, ok := s.Read(context.Background())
		if ok {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	p.Write(42)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("read did not observe the write")
	}
}

func TestReadHonorsContext(t *testing.T) {
	p := NewPub[int]()
	s := p.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := s.Read(ctx)
	assert.False(t, ok)
}

func TestConcurrentWritersNoLoss(t *testing.T) {
	p := NewPub[int]()
	s := p.Subscribe()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				p.Write(1)
			}
		}()
	}
	wg.Wait()
	p.Close()

	sum := 0
	for {
		v, ok := s.Read(context.Background())
		if !ok {
			break
		}
		sum += v
	}
	assert.Equal(t, writers*perWriter, sum)
}
