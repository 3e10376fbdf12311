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
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/alessio/shellescape"
	"golang.org/x/crypto/ssh"
)

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist []byte `ssh:"rest"`
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatusMsg struct {
	Status uint32
}

// shellContext is the server end of one shell channel.
type shellContext struct {
	channel *ChannelBroker
	command string
	term    string
	size    *windowChangeMsg
	cmd     *exec.Cmd
	pty     *tshellPty
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	wg      sync.WaitGroup
	mutex   sync.Mutex
	started bool
	exited  atomic.Bool
}

// handleShellChannel serves the requests of ch until the shell exits or the
// peer goes away.
func handleShellChannel(ch *ChannelBroker, command string) {
	ctx := &shellContext{channel: ch, command: command}
	defer ctx.Close()
	for {
		req, err := ch.RecvRequest()
		if err != nil {
			debug("channel %d requests ended: %v", ch.LocalChannelNo(), err)
			return
		}
		ok := true
		switch req.Type {
		case "pty-req":
			err = ctx.handlePtyRequest(req.Payload)
		case "window-change":
			err = ctx.handleWindowChange(req.Payload)
		case "shell":
			err = ctx.StartShell()
		default:
			err = fmt.Errorf("unsupported request %q", req.Type)
		}
		if err != nil {
			warning("channel %d %s failed: %v", ch.LocalChannelNo(), req.Type, err)
			ok = false
		}
		if err := req.Reply(ok); err != nil {
			debug("channel %d reply %s failed: %v", ch.LocalChannelNo(), req.Type, err)
			return
		}
		if ok && req.Type == "shell" {
			go ctx.forwardIO()
		}
	}
}

func (c *shellContext) handlePtyRequest(payload []byte) error {
	var msg ptyRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parse pty request failed: %v", err)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.started {
		return fmt.Errorf("shell already started")
	}
	c.term = msg.Term
	c.size = &windowChangeMsg{Columns: msg.Columns, Rows: msg.Rows, Width: msg.Width, Height: msg.Height}
	return nil
}

func (c *shellContext) handleWindowChange(payload []byte) error {
	var msg windowChangeMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parse window change failed: %v", err)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.pty == nil {
		return fmt.Errorf("channel %d is not a pty", c.channel.LocalChannelNo())
	}
	if err := c.pty.Resize(&msg); err != nil {
		return fmt.Errorf("pty set size failed: %v", err)
	}
	return nil
}

func (c *shellContext) StartShell() error {
	cmd, err := getShellCommand(c.command)
	if err != nil {
		return fmt.Errorf("build shell command failed: %v", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.started {
		return fmt.Errorf("shell already started")
	}

	c.cmd = cmd
	if c.term != "" {
		cmd.Env = append(cmd.Env, "TERM="+c.term)
	}
	debug("channel %d start %s", c.channel.LocalChannelNo(), shellescape.QuoteCommand(cmd.Args))

	if c.size != nil {
		c.pty, err = newTshellPty(cmd, c.size)
		if err != nil {
			return fmt.Errorf("shell pty start failed: %v", err)
		}
		c.stdin = c.pty.stdin
		c.stdout = c.pty.stdout
	} else {
		if c.stdin, err = cmd.StdinPipe(); err != nil {
			return fmt.Errorf("cmd stdin pipe failed: %v", err)
		}
		if c.stdout, err = cmd.StdoutPipe(); err != nil {
			return fmt.Errorf("cmd stdout pipe failed: %v", err)
		}
		if c.stderr, err = cmd.StderrPipe(); err != nil {
			return fmt.Errorf("cmd stderr pipe failed: %v", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start cmd %v failed: %v", cmd.Args, err)
		}
	}
	c.started = true
	return nil
}

func (c *shellContext) forwardIO() {
	go func() {
		for {
			data, err := c.channel.Recv()
			if err != nil {
				if c.pty == nil {
					_ = c.stdin.Close()
				}
				return
			}
			if err := writeAll(c.stdin, data); err != nil {
				return
			}
		}
	}()

	for _, output := range []io.Reader{c.stdout, c.stderr} {
		if output == nil {
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			buffer := make([]byte, 32*1024)
			for {
				n, err := output.Read(buffer)
				if n > 0 {
					if err := c.channel.SendData(buffer[:n]); err != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}

	code := c.Wait()
	debug("channel %d shell exited with %d", c.channel.LocalChannelNo(), code)

	if err := c.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{uint32(code)})); err != nil {
		debug("send exit status failed: %v", err)
	}
	if err := c.channel.SendEOF(); err != nil {
		debug("send eof failed: %v", err)
	}
	_ = c.channel.Close()
}

// Wait returns the exit code once the shell exited and its output was sent.
func (c *shellContext) Wait() int {
	defer c.exited.Store(true)
	if c.pty != nil {
		_ = c.pty.Wait()
		c.wg.Wait()
		return c.pty.GetExitCode()
	}
	c.wg.Wait()
	_ = c.cmd.Wait()
	return c.cmd.ProcessState.ExitCode()
}

func (c *shellContext) Close() {
	_ = c.channel.Close()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.started {
		return
	}
	if c.pty != nil {
		_ = c.pty.Close()
	} else if !c.exited.Load() {
		_ = c.cmd.Process.Kill()
	}
}

func getShellCommand(command string) (*exec.Cmd, error) {
	envs := os.Environ()
	if command != "" {
		args, err := splitCommandLine(command)
		if err != nil {
			return nil, fmt.Errorf("split command [%s] failed: %v", command, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("empty command [%s]", command)
		}
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Env = envs
		return cmd, nil
	}

	shell, err := getUserShell()
	if err != nil {
		return nil, fmt.Errorf("get user shell failed: %v", err)
	}
	cmd := exec.Command(shell)
	if runtime.GOOS != "windows" {
		cmd.Args = []string{"-" + filepath.Base(shell)}
	}
	cmd.Env = envs
	return cmd, nil
}
