package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/consignment"
)

func setupLocker(t *testing.T, ttl time.Duration) *RedisLocker {
	t.Helper()
	addr := os.Getenv("CONSIGNMENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set CONSIGNMENT_TEST_REDIS_ADDR to run redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLocker(rdb, ttl, logrus.New())
}

func TestRedisLocker_BusyKeyTimesOut(t *testing.T) {
	l := setupLocker(t, 5*time.Second)
	key := "test:" + time.Now().Format(time.RFC3339Nano)

	release, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, consignment.ErrLockNotObtained)
}

func TestRedisLocker_SerializesHolders(t *testing.T) {
	l := setupLocker(t, 5*time.Second)
	key := "test:" + time.Now().Format(time.RFC3339Nano)

	var (
		mu      sync.Mutex
		inside  int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			overlap = overlap || inside > 1
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
}
