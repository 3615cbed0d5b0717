// ABOUTME: Reader/writer lock that hands out proof-of-lock tokens
// ABOUTME: APIs needing the lock take a token, so forgetting it cannot compile

package guard

import "sync"

// Token is held by anyone inside a Read or Write section. APIs that
// only read take a Token; either side of the lock satisfies them.
type Token interface {
	isToken()
}

// ReadToken proves the holder is inside a Read section. Only Read
// mints one; the concrete type is unexported, so no other package can
// construct a value satisfying it.
type ReadToken interface {
	Token
	isRead()
}

// WriteToken proves the holder is inside a Write section. Only Write
// mints one.
type WriteToken interface {
	Token
	isWrite()
}

type readToken struct{ lock *RWLock }

func (readToken) isToken() {}
func (readToken) isRead()  {}

type writeToken struct{ lock *RWLock }

func (writeToken) isToken() {}
func (writeToken) isWrite() {}

// RWLock wraps a reader/writer mutex so the lock can only be taken
// through closures that receive a token. Functions whose contract is
// "caller must hold the write lock" take a WriteToken parameter
// instead of documenting the requirement.
type RWLock struct {
	mu sync.RWMutex
}

// Read runs fn while holding the lock shared.
func (l *RWLock) Read(fn func(ReadToken)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(readToken{l})
}

// Write runs fn while holding the lock exclusive.
func (l *RWLock) Write(fn func(WriteToken)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(writeToken{l})
}
