package consignment

import (
	"context"
	"sort"
	"sync"
)

// KeyLocker provides mutual exclusion per string key. Lock blocks until
// the key is held or ctx is done; the returned func releases it.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LocalLocker serializes within one process. Keys that nobody holds or
// waits for are dropped from the map.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(key string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// lockAll acquires every name in sorted order so that two callers with
// overlapping sets cannot deadlock. Release happens in reverse order.
func lockAll(ctx context.Context, locker KeyLocker, names []string) (func(), error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	var prev string
	for i, name := range sorted {
		if i > 0 && name == prev {
			continue
		}
		prev = name
		release, err := locker.Lock(ctx, name)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func balanceLockName(k BalanceKey) string { return "balance:" + k.String() }

func documentLockName(documentKey string) string { return "document:" + documentKey }

func sortKeys(keys []BalanceKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
