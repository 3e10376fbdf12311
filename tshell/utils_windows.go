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
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UserExistsError/conpty"
	"golang.org/x/sys/windows"
)

type safeConPty struct {
	*conpty.ConPty
	closed atomic.Bool
	mutex  sync.Mutex
}

func (p *safeConPty) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.ConPty.Close()
}

func (p *safeConPty) Resize(width, height int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed.Load() {
		return nil
	}
	return p.ConPty.Resize(width, height)
}

type tshellPty struct {
	spty   *safeConPty
	stdin  io.WriteCloser
	stdout io.ReadCloser
	code   int
}

func (p *tshellPty) Wait() error {
	code, err := p.spty.Wait(context.Background())
	p.code = int(code)
	// closing stdout ends the output forwarding
	_ = p.stdout.Close()
	return err
}

func (p *tshellPty) Close() error {
	return p.spty.Close()
}

func (p *tshellPty) GetExitCode() int {
	return p.code
}

func (p *tshellPty) Resize(size *windowChangeMsg) error {
	return p.spty.Resize(int(size.Columns)-1, int(size.Rows))
}

func newTshellPty(cmd *exec.Cmd, size *windowChangeMsg) (*tshellPty, error) {
	if !conpty.IsConPtyAvailable() {
		return nil, fmt.Errorf("conpty is not available on this version of windows")
	}
	var cmdLine strings.Builder
	for _, arg := range cmd.Args {
		if cmdLine.Len() > 0 {
			cmdLine.WriteString(" ")
		}
		cmdLine.WriteString(windows.EscapeArg(arg))
	}
	cpty, err := conpty.Start(cmdLine.String(),
		conpty.ConPtyDimensions(int(size.Columns)-1, int(size.Rows)), conpty.ConPtyEnv(cmd.Env))
	if err != nil {
		return nil, err
	}
	spty := &safeConPty{ConPty: cpty}
	return &tshellPty{spty, spty, spty, -1}, nil
}

func getUserShell() (string, error) {
	return "PowerShell", nil
}

func splitCommandLine(command string) ([]string, error) {
	return windows.DecomposeCommandLine(command)
}

func getWinsize(fd int) (TerminalSize, error) {
	return TerminalSize{}, fmt.Errorf("winsize ioctl is not supported on windows")
}

// watchWindowChange polls the console size, windows has no SIGWINCH.
func watchWindowChange(shell *ShellChannel, fd int) func() {
	done := make(chan struct{})
	go func() {
		last := GetTerminalSize(fd)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				size := GetTerminalSize(fd)
				if size == last {
					continue
				}
				last = size
				if err := shell.WindowChange(size); err != nil {
					debug("send window change failed: %v", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
