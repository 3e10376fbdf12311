//go:build !windows

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
	"os"
	"os/exec"
	"os/signal"

	"github.com/creack/pty"
	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

type tshellPty struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *tshellPty) Wait() error {
	return p.cmd.Wait()
}

func (p *tshellPty) Close() error {
	return p.ptmx.Close()
}

func (p *tshellPty) GetExitCode() int {
	return p.cmd.ProcessState.ExitCode()
}

func (p *tshellPty) Resize(size *windowChangeMsg) error {
	return pty.Setsize(p.ptmx, toWinsize(size))
}

func toWinsize(size *windowChangeMsg) *pty.Winsize {
	return &pty.Winsize{
		Cols: uint16(size.Columns),
		Rows: uint16(size.Rows),
		X:    uint16(size.Width),
		Y:    uint16(size.Height),
	}
}

func newTshellPty(cmd *exec.Cmd, size *windowChangeMsg) (*tshellPty, error) {
	ptmx, err := pty.StartWithSize(cmd, toWinsize(size))
	if err != nil {
		return nil, err
	}
	return &tshellPty{cmd, ptmx, ptmx, ptmx}, nil
}

func getUserShell() (string, error) {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, nil
	}
	return "/bin/sh", nil
}

func splitCommandLine(command string) ([]string, error) {
	return shlex.Split(command)
}

func getWinsize(fd int) (TerminalSize, error) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return TerminalSize{}, err
	}
	return TerminalSize{
		Width:       uint32(ws.Col),
		Height:      uint32(ws.Row),
		PixelWidth:  uint32(ws.Xpixel),
		PixelHeight: uint32(ws.Ypixel),
	}, nil
}

// watchWindowChange forwards the local terminal size to shell on SIGWINCH.
func watchWindowChange(shell *ShellChannel, fd int) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigChan:
				if err := shell.WindowChange(GetTerminalSize(fd)); err != nil {
					debug("send window change failed: %v", err)
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
