/*
MIT License

Copyright (c) 2024-2026 The Trzsz SSH Authors.

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package tshell

import (
	"sync"
	"sync/atomic"
)

type registrySlot[T any] struct {
	value    *T
	mutex    sync.Mutex
	poisoned atomic.Bool
}

// Registry holds one shared resource of a session behind its own lock.
//
// The slot is swapped atomically, so Install never blocks on holders of the
// previous value and a concurrent Acquire sees either the old or the new one.
// A holder that panics while the lock is held poisons the slot, and every
// later Acquire of that slot fails with ErrMutex.
type Registry[T any] struct {
	name    string
	nullErr *SshError
	slot    atomic.Pointer[registrySlot[T]]
}

func newRegistry[T any](name string, nullErr *SshError) *Registry[T] {
	return &Registry[T]{name: name, nullErr: nullErr}
}

// Install replaces the resource. A nil value clears the slot.
func (r *Registry[T]) Install(v *T) {
	if v == nil {
		r.slot.Store(nil)
		return
	}
	r.slot.Store(&registrySlot[T]{value: v})
}

func (r *Registry[T]) Installed() bool {
	return r.slot.Load() != nil
}

// Acquire blocks until the resource lock is held.
// The returned guard must be released with a direct defer.
func (r *Registry[T]) Acquire() (*Guard[T], error) {
	slot := r.slot.Load()
	if slot == nil {
		errorLog("acquire %s failed: %v", r.name, r.nullErr)
		return nil, r.nullErr
	}
	if slot.poisoned.Load() {
		errorLog("acquire %s failed: lock poisoned", r.name)
		return nil, ErrMutex
	}
	slot.mutex.Lock()
	if slot.poisoned.Load() {
		slot.mutex.Unlock()
		errorLog("acquire %s failed: lock poisoned", r.name)
		return nil, ErrMutex
	}
	return &Guard[T]{slot: slot}, nil
}

// With runs fn while holding the resource lock.
func (r *Registry[T]) With(fn func(v *T) error) error {
	guard, err := r.Acquire()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			guard.poison()
			panic(p)
		}
		guard.Release()
	}()
	return fn(guard.Value())
}

func (r *Registry[T]) peek() *T {
	if slot := r.slot.Load(); slot != nil {
		return slot.value
	}
	return nil
}

// Guard is the exclusive hold on a registry resource.
type Guard[T any] struct {
	slot     *registrySlot[T]
	released bool
}

func (g *Guard[T]) Value() *T {
	return g.slot.value
}

// Release unlocks the resource. Deferred directly, it also notices a panic
// raised while the lock was held, poisons the slot and keeps panicking.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	if p := recover(); p != nil {
		g.slot.poisoned.Store(true)
		g.slot.mutex.Unlock()
		panic(p)
	}
	g.slot.mutex.Unlock()
}

func (g *Guard[T]) poison() {
	if g.released {
		return
	}
	g.released = true
	g.slot.poisoned.Store(true)
	g.slot.mutex.Unlock()
}

// Session is the shared context of one connection: the transport client,
// the configuration, the encryption key and the table of open channels.
// An empty session is "not connected", every operation on it reports the
// missing resource as an error.
type Session struct {
	client     *Registry[Client]
	config     *Registry[Config]
	encryption *Registry[EncryptionKey]

	pumpMutex sync.Mutex

	mutex         sync.Mutex
	channels      map[uint32]*ChannelBroker
	nextChannelNo uint32
	accepted      []*ChannelBroker
	notify        chan struct{}
	closed        atomic.Bool
}

func NewSession() *Session {
	return &Session{
		client:     newRegistry[Client]("client", ErrClientNull),
		config:     newRegistry[Config]("config", ErrConfigNull),
		encryption: newRegistry[EncryptionKey]("encryption key", ErrEncryptionNull),
		channels:   make(map[uint32]*ChannelBroker),
		notify:     make(chan struct{}),
	}
}

func (s *Session) Client() *Registry[Client] {
	return s.client
}

func (s *Session) Config() *Registry[Config] {
	return s.config
}

func (s *Session) EncryptionKey() *Registry[EncryptionKey] {
	return s.encryption
}

func (s *Session) InstallConfig(cfg *Config) {
	s.config.Install(cfg)
}

func (s *Session) InstallEncryptionKey(key *EncryptionKey) {
	s.encryption.Install(key)
}

// InstallClient installs the transport client and starts receiving on it.
func (s *Session) InstallClient(client *Client) {
	if client == nil {
		s.client.Install(nil)
		s.signal()
		return
	}
	client.keys = s.encryption
	client.onArrival = s.signal
	s.client.Install(client)
	client.start()
}

// Close clears every resource and shuts the transport down.
// Blocked channel operations wake up and fail.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	client := s.client.peek()
	s.client.Install(nil)
	s.config.Install(nil)
	s.encryption.Install(nil)

	var err error
	if client != nil {
		err = client.Close()
	}

	s.mutex.Lock()
	for _, ch := range s.channels {
		ch.markPeerClosed()
	}
	s.mutex.Unlock()

	s.signal()
	return err
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// changed returns a channel that is closed on the next state change.
// Take it before checking the state to never miss a wakeup.
func (s *Session) changed() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.notify
}

func (s *Session) signal() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}
