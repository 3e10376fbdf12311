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
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
)

// Client is the single transport connection of a session.
// Outbound payloads are sealed into frames and written in one piece, inbound
// frames are collected by a background reader and opened on Read.
type Client struct {
	conn      io.ReadWriteCloser
	keys      *Registry[EncryptionKey]
	onArrival func()
	mutex     sync.Mutex
	pending   [][]byte
	readErr   error
	started   atomic.Bool
	closed    atomic.Bool
}

func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn}
}

func (c *Client) start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop()
}

func (c *Client) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.setError(err)
			return
		}
		size := binary.BigEndian.Uint32(header)
		if size > kMaxFrameSize {
			c.setError(newSshError(KindProtocol, "frame size %d exceeds %d", size, kMaxFrameSize))
			return
		}
		frame := make([]byte, 4+size)
		copy(frame, header)
		if _, err := io.ReadFull(c.conn, frame[4:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			c.setError(err)
			return
		}
		c.mutex.Lock()
		c.pending = append(c.pending, frame)
		c.mutex.Unlock()
		c.arrived()
	}
}

func (c *Client) setError(err error) {
	if c.closed.Load() {
		err = io.EOF
	}
	if err != io.EOF {
		debug("transport read failed: %v", err)
	}
	c.mutex.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mutex.Unlock()
	c.arrived()
}

func (c *Client) arrived() {
	if c.onArrival != nil {
		c.onArrival()
	}
}

// Write seals payload and writes the whole frame to the transport.
func (c *Client) Write(payload []byte) error {
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	if c.keys == nil {
		return ErrEncryptionNull
	}
	var frame []byte
	if err := c.keys.With(func(key *EncryptionKey) error {
		frame = key.Seal(payload)
		return nil
	}); err != nil {
		return err
	}
	return writeAll(c.conn, frame)
}

// Read returns every packet received since the last call without blocking.
// An empty result with a nil error means nothing has arrived yet. Once the
// buffered packets are drained, the transport failure is reported.
func (c *Client) Read() ([][]byte, error) {
	c.mutex.Lock()
	frames := c.pending
	c.pending = nil
	readErr := c.readErr
	c.mutex.Unlock()

	if len(frames) == 0 {
		return nil, readErr
	}
	if c.keys == nil {
		return nil, ErrEncryptionNull
	}

	packets := make([][]byte, 0, len(frames))
	err := c.keys.With(func(key *EncryptionKey) error {
		for _, frame := range frames {
			payload, err := key.Open(frame[:4], frame[4:])
			if err != nil {
				return err
			}
			packets = append(packets, payload)
		}
		return nil
	})
	if err != nil {
		c.mutex.Lock()
		c.readErr = err
		c.pending = nil
		c.mutex.Unlock()
		_ = c.conn.Close()
		return packets, err
	}
	return packets, nil
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

func dialTransport(cfg *Config) (io.ReadWriteCloser, error) {
	switch cfg.Mode {
	case kModeTCP:
		conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case kModeKCP:
		return doWithTimeout(func() (io.ReadWriteCloser, error) {
			conn, err := kcp.DialWithOptions(cfg.Addr, nil, 10, 3)
			if err != nil {
				return nil, err
			}
			tuneKcpSession(conn)
			return conn, nil
		}, cfg.ConnectTimeout)
	default:
		return nil, errors.Errorf("unknown transport mode: %s", cfg.Mode)
	}
}

func tuneKcpSession(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetNoDelay(1, 10, 2, 1)
}

// Connect dials the peer, performs the handshake and returns a session with
// the client, the encryption key and cfg installed.
func Connect(cfg *Config) (*Session, error) {
	conn, err := dialTransport(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s [%s] failed", cfg.Mode, cfg.Addr)
	}
	session, err := clientHandshake(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	debug("connected to %s [%s]", cfg.Mode, cfg.Addr)
	return session, nil
}

func clientHandshake(conn io.ReadWriteCloser, cfg *Config) (*Session, error) {
	cookie := Cookie()
	hello := make([]byte, 0, len(kBanner)+len(cookie))
	hello = append(hello, kBanner...)
	hello = append(hello, cookie...)
	if err := writeAll(conn, hello); err != nil {
		return nil, errors.Wrap(err, "send banner failed")
	}
	key, err := NewEncryptionKey([]byte(cfg.Pass), []byte(cfg.Salt), cookie, false)
	if err != nil {
		return nil, errors.Wrap(err, "derive encryption key failed")
	}
	session := NewSession()
	session.InstallConfig(cfg)
	session.InstallEncryptionKey(key)
	session.InstallClient(NewClient(conn))
	return session, nil
}
