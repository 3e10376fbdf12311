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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// openChannelPair opens a channel from client and accepts it on server.
func openChannelPair(t *testing.T, client, server *Session) (*ChannelBroker, *ChannelBroker) {
	t.Helper()
	type result struct {
		ch  *ChannelBroker
		err error
	}
	opened := make(chan result, 1)
	go func() {
		ch, err := client.OpenChannel()
		opened <- result{ch, err}
	}()
	accepted, err := server.AcceptChannel()
	require.NoError(t, err)
	res := <-opened
	require.NoError(t, res.err)
	return res.ch, accepted
}

func TestOpenAndAcceptChannel(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	local, remote := openChannelPair(t, client, server)

	assert.Equal(t, local.LocalChannelNo(), remote.RemoteChannelNo())
	assert.Equal(t, remote.LocalChannelNo(), local.RemoteChannelNo())
	assert.Same(t, client, local.Session())

	second, secondRemote := openChannelPair(t, client, server)
	assert.NotEqual(t, local.LocalChannelNo(), second.LocalChannelNo())
	assert.Equal(t, second.LocalChannelNo(), secondRemote.RemoteChannelNo())
}

func TestChannelDataFlowControl(t *testing.T) {
	cfg := newTestConfig()
	cfg.WindowSize = 4096
	cfg.MaxPacketSize = 1024
	client, server := newSessionPair(t, cfg)
	local, remote := openChannelPair(t, client, server)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 6400)
	sent := make(chan error, 1)
	go func() {
		sent <- local.SendData(payload)
	}()

	var received []byte
	for len(received) < len(payload) {
		data, err := remote.Recv()
		if err != nil {
			t.Fatalf("Recv failed after %d bytes: %v", len(received), err)
		}
		if len(data) > int(cfg.MaxPacketSize) {
			t.Fatalf("packet of %d bytes exceeds max packet size", len(data))
		}
		received = append(received, data...)
	}
	require.NoError(t, <-sent)
	if !bytes.Equal(received, payload) {
		t.Fatalf("received data differs from sent data")
	}

	require.NoError(t, remote.SendData([]byte("pong")))
	data, err := local.Recv()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))
}

func TestChannelRequestAndReply(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	local, remote := openChannelPair(t, client, server)

	require.NoError(t, local.SendRequest("env", true, NewData().PutStr("LANG").PutStr("C").Bytes()))
	req, err := remote.RecvRequest()
	require.NoError(t, err)
	assert.Equal(t, "env", req.Type)
	assert.True(t, req.WantReply)
	r := newPacketReader(req.Payload)
	assert.Equal(t, "LANG", r.str())
	assert.Equal(t, "C", r.str())
	require.NoError(t, req.Reply(true))
}

func TestChannelExitStatusAndClose(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	local, remote := openChannelPair(t, client, server)

	require.NoError(t, remote.SendData([]byte("output")))
	require.NoError(t, remote.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{3})))
	require.NoError(t, remote.SendEOF())
	require.NoError(t, remote.Close())

	shell := &ShellChannel{local}
	var output []byte
	for {
		data, err := shell.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		output = append(output, data...)
	}
	assert.Equal(t, "output", string(output))

	code, ok := local.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	if err := local.SendData([]byte("late")); err != io.EOF {
		t.Fatalf("SendData after peer close = %v, want io.EOF", err)
	}
	require.NoError(t, local.Close())
}

func TestChannelCloseSeenByPeer(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	local, remote := openChannelPair(t, client, server)

	require.NoError(t, local.Close())
	if _, err := remote.RecvRequest(); err != io.EOF {
		t.Fatalf("RecvRequest after peer close = %v, want io.EOF", err)
	}
	if _, err := remote.Recv(); err != io.EOF {
		t.Fatalf("Recv after peer close = %v, want io.EOF", err)
	}
}

func TestChannelOpenRejected(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	go func() { _, _ = server.AcceptChannel() }()

	ch := client.newChannel(kDefaultWindowSize)
	msg := NewData().PutU8(kMsgChannelOpen).PutStr("x11").PutU32(ch.LocalChannelNo()).PutU32(4096).PutU32(1024)
	require.NoError(t, writeClient(client.Client(), msg.Bytes()))

	err := client.waitFor(func() (bool, error) {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()
		return ch.openErr != nil, ch.openErr
	})
	if !errors.Is(err, ErrChannelOpen) {
		t.Fatalf("open x11 channel err = %v, want channel open error", err)
	}
}

func TestSessionCloseWakesBlockedRecv(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	local, _ := openChannelPair(t, client, server)

	done := make(chan error, 1)
	go func() {
		_, err := local.Recv()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Recv returned no error after session close")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Recv still blocked after session close")
	}
}

func TestTransportLossFailsRecv(t *testing.T) {
	client, server := newSessionPair(t, newTestConfig())
	local, _ := openChannelPair(t, client, server)

	require.NoError(t, server.Close())
	if _, err := local.Recv(); err == nil {
		t.Fatalf("Recv succeeded after transport loss")
	}
}

func TestHandshakeBadBanner(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		_, _ = clientConn.Write([]byte("SSH-2.0-OpenSSH_9.9\r\n0123456789abcdef"))
	}()
	if _, err := serverHandshake(serverConn, newTestConfig()); !errors.Is(err, ErrProtocol) {
		t.Fatalf("serverHandshake err = %v, want protocol error", err)
	}
}

func TestHandshakeWrongSecret(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	serverCfg := newTestConfig()
	clientCfg := newTestConfig()
	clientCfg.Pass = "wrong"

	serverDone := make(chan *Session, 1)
	go func() {
		session, err := serverHandshake(serverConn, serverCfg)
		if err != nil {
			t.Errorf("serverHandshake failed: %v", err)
		}
		serverDone <- session
	}()
	client, err := clientHandshake(clientConn, clientCfg)
	require.NoError(t, err)
	defer client.Close()
	server := <-serverDone
	require.NotNil(t, server)
	defer server.Close()

	go func() { _, _ = client.OpenChannel() }()
	if _, err := server.AcceptChannel(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("AcceptChannel err = %v, want protocol error", err)
	}
}
