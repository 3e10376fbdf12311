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
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errWriteFailed = errors.New("write failed")

// recordConn records every frame written and fails the failAt-th write.
type recordConn struct {
	mutex     sync.Mutex
	writes    [][]byte
	failAt    int
	closed    chan struct{}
	closeOnce sync.Once
}

func newRecordConn(failAt int) *recordConn {
	return &recordConn{failAt: failAt, closed: make(chan struct{})}
}

func (c *recordConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.failAt > 0 && len(c.writes)+1 >= c.failAt {
		return 0, errWriteFailed
	}
	c.writes = append(c.writes, bytes.Clone(p))
	return len(p), nil
}

func (c *recordConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *recordConn) frames() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.writes...)
}

func newTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Pass = "tshell-test-pass"
	cfg.Salt = "tshell-test-salt"
	cfg.ConnectTimeout = 3 * time.Second
	return cfg
}

// newRecordSession returns a session writing into a recordConn together with
// the key of the other end, able to open what the session sends.
func newRecordSession(t *testing.T, failAt int) (*Session, *recordConn, *EncryptionKey) {
	t.Helper()
	cfg := newTestConfig()
	cookie := Cookie()
	key, err := NewEncryptionKey([]byte(cfg.Pass), []byte(cfg.Salt), cookie, false)
	require.NoError(t, err)
	peer, err := NewEncryptionKey([]byte(cfg.Pass), []byte(cfg.Salt), cookie, true)
	require.NoError(t, err)

	conn := newRecordConn(failAt)
	session := NewSession()
	session.InstallConfig(cfg)
	session.InstallEncryptionKey(key)
	session.InstallClient(NewClient(conn))
	t.Cleanup(func() { _ = session.Close() })
	return session, conn, peer
}

// openFrames decrypts every frame recorded by conn.
func openFrames(t *testing.T, conn *recordConn, peer *EncryptionKey) [][]byte {
	t.Helper()
	var packets [][]byte
	for i, frame := range conn.frames() {
		payload, err := peer.Open(frame[:4], frame[4:])
		if err != nil {
			t.Fatalf("open frame %d failed: %v", i, err)
		}
		packets = append(packets, payload)
	}
	return packets
}

// newConfirmedBroker registers a channel already confirmed by the peer.
func newConfirmedBroker(session *Session, remoteID uint32) *ChannelBroker {
	ch := session.newChannel(kDefaultWindowSize)
	ch.remoteID = remoteID
	ch.confirmed = true
	ch.remoteWindow = kDefaultWindowSize
	ch.remoteMaxPacket = kDefaultMaxPacketSize
	return ch
}

// newSessionPair connects two sessions over an in-memory pipe.
func newSessionPair(t *testing.T, cfg *Config) (*Session, *Session) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	type result struct {
		session *Session
		err     error
	}
	done := make(chan result, 1)
	go func() {
		session, err := serverHandshake(serverConn, cfg)
		done <- result{session, err}
	}()
	client, err := clientHandshake(clientConn, cfg)
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = res.session.Close()
	})
	return client, res.session
}

func dataPacket(channel uint32, data string) []byte {
	return NewData().PutU8(kMsgChannelData).PutU32(channel).PutStr(data).Bytes()
}
