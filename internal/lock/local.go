package lock

import (
	"context"
	"strings"
	"sync"
)

// LocalLocker holds locks in process memory. It only serializes callers of the
// same process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localHandle
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localHandle)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (Handle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	h := &localHandle{owner: l, key: key}
	l.held[key] = h
	return h, true, nil
}

type localHandle struct {
	owner *LocalLocker
	key   string
}

// Extend only checks the lock is still held; local locks do not expire.
func (h *localHandle) Extend(context.Context) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if h.owner.held[h.key] != h {
		return ErrNotHeld
	}
	return nil
}

func (h *localHandle) Unlock(context.Context) error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if h.owner.held[h.key] != h {
		return ErrNotHeld
	}
	delete(h.owner.held, h.key)
	return nil
}
