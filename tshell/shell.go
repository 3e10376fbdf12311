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

import "io"

// ShellChannel is an interactive shell running in a remote pseudo-terminal.
// The embedded broker stays reachable for everything not specific to shells.
type ShellChannel struct {
	*ChannelBroker
}

// OpenShell requests a pty sized tv and then a shell on channel.
// If either request cannot be sent, the error is returned as is, no shell
// channel is produced and channel remains owned by the caller.
func OpenShell(channel *ChannelBroker, tv TerminalSize) (*ShellChannel, error) {
	shell := &ShellChannel{channel}
	if err := shell.requestPty(tv); err != nil {
		return nil, err
	}
	if err := shell.getShell(); err != nil {
		return nil, err
	}
	return shell, nil
}

func (s *ShellChannel) requestPty(tv TerminalSize) error {
	width, height, pixelWidth, pixelHeight := tv.Fetch()
	return s.Send(NewData().
		PutU8(kMsgChannelRequest).
		PutU32(s.remoteID).
		PutStr("pty-req").
		PutU8(1).
		PutStr(kTerminalType).
		PutU32(width).
		PutU32(height).
		PutU32(pixelWidth).
		PutU32(pixelHeight).
		PutRaw(terminalModes()))
}

func (s *ShellChannel) getShell() error {
	return s.Send(NewData().
		PutU8(kMsgChannelRequest).
		PutU32(s.remoteID).
		PutStr("shell").
		PutU8(1))
}

// Read blocks for the next output of the shell and returns it together with
// everything else already received. The result is never empty on success.
func (s *ShellChannel) Read() ([]byte, error) {
	buf, err := s.Recv()
	if err != nil {
		return nil, err
	}
	for {
		data, err := s.TryRecv()
		if err != nil || data == nil {
			break
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// Write sends buf to the shell input.
func (s *ShellChannel) Write(buf []byte) error {
	return s.SendData(buf)
}

// WindowChange tells the remote pty the terminal was resized.
func (s *ShellChannel) WindowChange(tv TerminalSize) error {
	width, height, pixelWidth, pixelHeight := tv.Fetch()
	return s.SendRequest("window-change", false,
		NewData().PutU32(width).PutU32(height).PutU32(pixelWidth).PutU32(pixelHeight).Bytes())
}

// Stream adapts the shell to io.ReadWriteCloser.
func (s *ShellChannel) Stream() io.ReadWriteCloser {
	return &shellStream{shell: s}
}

type shellStream struct {
	shell   *ShellChannel
	pending []byte
}

func (s *shellStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.pending) == 0 {
		buf, err := s.shell.Read()
		if err != nil {
			return 0, err
		}
		s.pending = buf
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *shellStream) Write(p []byte) (int, error) {
	if err := s.shell.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *shellStream) Close() error {
	return s.shell.Close()
}
