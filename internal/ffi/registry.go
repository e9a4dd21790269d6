// Package ffi holds the handle registry that lets callers across a foreign
// function boundary refer to Go values by number.
package ffi

import (
	"errors"
	"sync"
)

// Handle identifies a registered value. Zero is never issued.
type Handle uint64

// ErrUnknownHandle is returned for handles that were never issued or have
// been released.
var ErrUnknownHandle = errors.New("ffi: unknown handle")

// Registry maps handles to values of type T. The zero value is not usable;
// call NewRegistry.
type Registry[T any] struct {
	mu   sync.Mutex
	next Handle
	reg  map[Handle]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{next: 1, reg: make(map[Handle]T)}
}

// Put registers v and returns its handle.
func (r *Registry[T]) Put(v T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	r.reg[h] = v
	return h
}

// Get returns the value registered under h.
func (r *Registry[T]) Get(h Handle) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.reg[h]
	if !ok {
		var zero T
		return zero, ErrUnknownHandle
	}
	return v, nil
}

// Delete releases h and returns the value it held.
func (r *Registry[T]) Delete(h Handle) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.reg[h]
	if !ok {
		var zero T
		return zero, ErrUnknownHandle
	}
	delete(r.reg, h)
	return v, nil
}

// Drain releases every handle and returns the values they held.
func (r *Registry[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.reg))
	for h, v := range r.reg {
		out = append(out, v)
		delete(r.reg, h)
	}
	return out
}

// Len returns the number of live handles.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reg)
}
