package session

import (
	"net/url"
	"sync"
)

// Address is the externally visible location of the client, the terminal
// equivalent of a browser's address bar.
type Address interface {
	Current() *url.URL
	Replace(u *url.URL)
}

// MemoryAddress is an Address held in process memory. It counts
// replacements so callers can tell whether the address was rewritten.
type MemoryAddress struct {
	mu       sync.Mutex
	u        url.URL
	replaced int
}

// NewMemoryAddress returns an Address starting at u.
func NewMemoryAddress(u *url.URL) *MemoryAddress {
	return &MemoryAddress{u: *u}
}

func (a *MemoryAddress) Current() *url.URL {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.u
	return &u
}

func (a *MemoryAddress) Replace(u *url.URL) {
	a.mu.Lock()
	a.u = *u
	a.replaced++
	a.mu.Unlock()
}

// Replacements returns how many times Replace has been called.
func (a *MemoryAddress) Replacements() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replaced
}
