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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInstallAndClear(t *testing.T) {
	session := NewSession()

	tests := []struct {
		name    string
		acquire func() error
		install func()
		clear   func()
		want    error
	}{
		{
			name: "client",
			acquire: func() error {
				return session.Client().With(func(*Client) error { return nil })
			},
			install: func() { session.Client().Install(NewClient(newRecordConn(0))) },
			clear:   func() { session.Client().Install(nil) },
			want:    ErrClientNull,
		},
		{
			name: "config",
			acquire: func() error {
				return session.Config().With(func(*Config) error { return nil })
			},
			install: func() { session.InstallConfig(newTestConfig()) },
			clear:   func() { session.InstallConfig(nil) },
			want:    ErrConfigNull,
		},
		{
			name: "encryption key",
			acquire: func() error {
				return session.EncryptionKey().With(func(*EncryptionKey) error { return nil })
			},
			install: func() {
				key, err := NewEncryptionKey([]byte("pass"), nil, Cookie(), false)
				require.NoError(t, err)
				session.InstallEncryptionKey(key)
			},
			clear: func() { session.InstallEncryptionKey(nil) },
			want:  ErrEncryptionNull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.acquire(); !errors.Is(err, tt.want) {
				t.Fatalf("acquire before install = %v, want %v", err, tt.want)
			}
			tt.install()
			if err := tt.acquire(); err != nil {
				t.Fatalf("acquire after install failed: %v", err)
			}
			tt.clear()
			if err := tt.acquire(); !errors.Is(err, tt.want) {
				t.Fatalf("acquire after clear = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistryKindsAreDistinct(t *testing.T) {
	assert := assert.New(t)
	assert.False(errors.Is(ErrClientNull, ErrConfigNull))
	assert.False(errors.Is(ErrConfigNull, ErrEncryptionNull))
	assert.True(errors.Is(newSshError(KindMutex, "poisoned"), ErrMutex))
	assert.True(errors.Is(fmt.Errorf("wrapped: %w", ErrChannelClosed), ErrChannelClosed))
}

func TestRegistryPoisonedByPanic(t *testing.T) {
	registry := newRegistry[int]("counter", ErrConfigNull)
	value := 1
	registry.Install(&value)

	func() {
		defer func() {
			if p := recover(); p != "boom" {
				t.Fatalf("recovered %v, want boom", p)
			}
		}()
		_ = registry.With(func(v *int) error {
			*v = 2
			panic("boom")
		})
	}()

	if _, err := registry.Acquire(); !errors.Is(err, ErrMutex) {
		t.Fatalf("acquire after panic = %v, want mutex error", err)
	}

	// a fresh install replaces the poisoned slot
	registry.Install(&value)
	if err := registry.With(func(v *int) error {
		if *v != 2 {
			return fmt.Errorf("value = %d, want 2", *v)
		}
		return nil
	}); err != nil {
		t.Fatalf("acquire after reinstall failed: %v", err)
	}
}

func TestRegistryGuardExclusive(t *testing.T) {
	registry := newRegistry[int]("counter", ErrConfigNull)
	var counter int
	registry.Install(&counter)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				guard, err := registry.Acquire()
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				*guard.Value()++
				guard.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5000, counter)
}

func TestRegistryReleaseTwice(t *testing.T) {
	registry := newRegistry[int]("counter", ErrConfigNull)
	registry.Install(new(int))
	guard, err := registry.Acquire()
	require.NoError(t, err)
	guard.Release()
	guard.Release()
	guard, err = registry.Acquire()
	require.NoError(t, err)
	guard.Release()
}

func TestConcurrentWritesKeepFramesWhole(t *testing.T) {
	session, conn, peer := newRecordSession(t, 0)

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				payload := fmt.Sprintf("writer-%d-packet-%d-%s", i, j, string(make([]byte, 64*i)))
				if err := writeClient(session.Client(), []byte(payload)); err != nil {
					t.Errorf("write failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	packets := openFrames(t, conn, peer)
	if len(packets) != writers*perWriter {
		t.Fatalf("got %d packets, want %d", len(packets), writers*perWriter)
	}
	next := make(map[int]int)
	for _, packet := range packets {
		var i, j int
		if _, err := fmt.Sscanf(string(packet), "writer-%d-packet-%d-", &i, &j); err != nil {
			t.Fatalf("unexpected packet %q: %v", packet, err)
		}
		if j != next[i] {
			t.Fatalf("writer %d packet %d arrived, want %d", i, j, next[i])
		}
		next[i]++
	}
}

func TestSessionCloseClearsResources(t *testing.T) {
	session, _, _ := newRecordSession(t, 0)
	require.NoError(t, session.Close())
	assert.True(t, session.IsClosed())

	if err := writeClient(session.Client(), []byte("x")); !errors.Is(err, ErrClientNull) {
		t.Fatalf("write after close = %v, want client null", err)
	}
	if _, err := readClient(session.Client()); !errors.Is(err, ErrClientNull) {
		t.Fatalf("read after close = %v, want client null", err)
	}
	if _, err := session.OpenChannel(); !errors.Is(err, ErrConfigNull) {
		t.Fatalf("open channel after close = %v, want config null", err)
	}
	require.NoError(t, session.Close())
}
