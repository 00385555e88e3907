package consignment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	var inside, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), "k")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
	assert.Empty(t, l.slots, "idle keys are dropped")
}

func TestLocalLocker_HonorsContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op

	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestLockAll_SortsAndDeduplicates(t *testing.T) {
	rec := &recordingLocker{inner: NewLocalLocker()}

	release, err := lockAll(context.Background(), rec, []string{"b", "a", "b", "c"})
	require.NoError(t, err)
	release()

	assert.Equal(t, []string{"a", "b", "c"}, rec.order)
}

type recordingLocker struct {
	inner KeyLocker
	order []string
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	r.order = append(r.order, key)
	return r.inner.Lock(ctx, key)
}

func TestBalanceLockName_DistinctKeysNeverShareALock(t *testing.T) {
	pairs := [][2]BalanceKey{
		{NewBalanceKey("A|B", "C", NoLot), NewBalanceKey("A", "B|C", NoLot)},
		{NewBalanceKey("C1", "P1", "~"), NewBalanceKey("C1", "P1", NoLot)},
		{NewBalanceKey("C1", "P1|L1", NoLot), NewBalanceKey("C1", "P1", "L1")},
		{NewBalanceKey(`C1\`, "P1", NoLot), NewBalanceKey("C1", `\P1`, NoLot)},
		{NewBalanceKey("C1", "P1", `\~`), NewBalanceKey("C1", "P1", "~")},
	}
	for _, p := range pairs {
		assert.NotEqual(t, balanceLockName(p[0]), balanceLockName(p[1]), "%#v vs %#v", p[0], p[1])
	}

	// Plain keys keep their readable form.
	assert.Equal(t, "balance:C1|P1|L1", balanceLockName(NewBalanceKey("C1", "P1", "L1")))
	assert.Equal(t, "balance:C1|P1|~", balanceLockName(NewBalanceKey("C1", "P1", NoLot)))
}
