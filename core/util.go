package core

import (
	"context"
	"strings"
	"sync"
)

// CleanString trims all leading and trailing whitespace in `s` and optionally lowers it.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		return strings.ToLower(s)
	}
	return s
}

type ctxKey int

const sourceAddrKey ctxKey = iota

// WithSourceAddr stores the caller's network address on ctx for audit records.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddrKey, addr)
}

// SourceAddr returns the address stored by WithSourceAddr, if any.
func SourceAddr(ctx context.Context) string {
	addr, _ := ctx.Value(sourceAddrKey).(string)
	return addr
}

// KeyedMutex hands out one mutex per key. Entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock locks key and returns the matching unlock func.
func (km *KeyedMutex) Lock(key string) func() {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedEntry)
	}
	e, ok := km.locks[key]
	if !ok {
		e = new(keyedEntry)
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
