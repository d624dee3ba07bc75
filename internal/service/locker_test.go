package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"coursehub_backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "enrollment:e1", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Empty(t, l.locks)
}

func TestLocalLockerTimeoutAndIndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "a", 20*time.Millisecond)
	assert.True(t, domain.IsCode(err, domain.CodeConflict))

	other, err := l.Acquire(ctx, "b", 20*time.Millisecond)
	require.NoError(t, err)
	other()

	release()
	// 重复释放无副作用
	release()

	again, err := l.Acquire(ctx, "a", 20*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "a", time.Second)
	assert.True(t, domain.IsCode(err, domain.CodeConflict))
}
