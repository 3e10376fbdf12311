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
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
)

// Server accepts connections and runs one shell per opened channel.
type Server struct {
	cfg      *Config
	listener net.Listener
	wg       sync.WaitGroup
	mutex    sync.Mutex
	sessions map[*Session]struct{}
	closed   atomic.Bool
}

func Listen(cfg *Config) (*Server, error) {
	var listener net.Listener
	var err error
	switch cfg.Mode {
	case kModeTCP:
		listener, err = net.Listen("tcp", cfg.Addr)
	case kModeKCP:
		listener, err = kcp.ListenWithOptions(cfg.Addr, nil, 10, 3)
	default:
		return nil, errors.Errorf("unknown transport mode: %s", cfg.Mode)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s [%s] failed", cfg.Mode, cfg.Addr)
	}
	return &Server{cfg: cfg, listener: listener, sessions: make(map[*Session]struct{})}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if kconn, ok := conn.(*kcp.UDPSession); ok {
		tuneKcpSession(kconn)
	}
	session, err := serverHandshake(conn, s.cfg)
	if err != nil {
		warning("handshake with %v failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	if !s.track(session) {
		_ = session.Close()
		return
	}
	defer s.untrack(session)
	debug("session from %v established", conn.RemoteAddr())

	var wg sync.WaitGroup
	for {
		ch, err := session.AcceptChannel()
		if err != nil {
			debug("session from %v ended: %v", conn.RemoteAddr(), err)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleShellChannel(ch, s.cfg.Shell)
		}()
	}
	_ = session.Close()
	wg.Wait()
}

func (s *Server) track(session *Session) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed.Load() {
		return false
	}
	s.sessions[session] = struct{}{}
	return true
}

func (s *Server) untrack(session *Session) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.sessions, session)
}

// Close stops accepting, tears every session down and waits for them.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.listener.Close()
	s.mutex.Lock()
	for session := range s.sessions {
		_ = session.Close()
	}
	s.mutex.Unlock()
	s.wg.Wait()
	return err
}

func serverHandshake(conn net.Conn, cfg *Config) (*Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout))
	hello := make([]byte, len(kBanner)+kCookieSize)
	if _, err := io.ReadFull(conn, hello); err != nil {
		return nil, errors.Wrap(err, "read banner failed")
	}
	_ = conn.SetReadDeadline(time.Time{})
	if banner := string(hello[:len(kBanner)]); banner != kBanner {
		return nil, newSshError(KindProtocol, "unexpected banner %q", banner)
	}
	key, err := NewEncryptionKey([]byte(cfg.Pass), []byte(cfg.Salt), hello[len(kBanner):], true)
	if err != nil {
		return nil, errors.Wrap(err, "derive encryption key failed")
	}
	sessionCfg := *cfg
	session := NewSession()
	session.InstallConfig(&sessionCfg)
	session.InstallEncryptionKey(key)
	session.InstallClient(NewClient(conn))
	return session, nil
}
