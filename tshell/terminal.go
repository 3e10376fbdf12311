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
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const kTerminalType = "xterm"

const kTerminalSpeed = 115200

const kTtyOpEnd = 0

// TerminalSize is the size of the local terminal, in characters and pixels.
type TerminalSize struct {
	Width       uint32
	Height      uint32
	PixelWidth  uint32
	PixelHeight uint32
}

// Fetch returns width, height, pixel width and pixel height in wire order.
func (t TerminalSize) Fetch() (uint32, uint32, uint32, uint32) {
	return t.Width, t.Height, t.PixelWidth, t.PixelHeight
}

func DefaultTerminalSize() TerminalSize {
	return TerminalSize{Width: 80, Height: 24}
}

// terminalModes is the raw encoded mode list sent with pty-req:
// input and output speed, then the end marker.
func terminalModes() []byte {
	return NewData().
		PutU8(ssh.TTY_OP_ISPEED).PutU32(kTerminalSpeed).
		PutU8(ssh.TTY_OP_OSPEED).PutU32(kTerminalSpeed).
		PutU8(kTtyOpEnd).
		Bytes()
}

// GetTerminalSize reads the size of the terminal on fd, falling back to
// 80x24 when fd is not a terminal.
func GetTerminalSize(fd int) TerminalSize {
	if !term.IsTerminal(fd) {
		return DefaultTerminalSize()
	}
	size, err := getWinsize(fd)
	if err == nil && size.Width > 0 && size.Height > 0 {
		return size
	}
	width, height, err := term.GetSize(fd)
	if err != nil || width <= 0 || height <= 0 {
		debug("get terminal size failed: %v", err)
		return DefaultTerminalSize()
	}
	return TerminalSize{Width: uint32(width), Height: uint32(height)}
}

// MakeRaw puts the terminal on fd into raw mode and returns the function
// restoring it.
func MakeRaw(fd int) (func(), error) {
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, state) }, nil
}
