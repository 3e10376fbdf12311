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
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/trzsz/go-arg"
)

const kTshellVersion = "0.1.0"

type tshellArgs struct {
	Config  string `arg:"-c,--config" placeholder:"file" help:"config file (default is ~/.config/tshell/config.yaml)"`
	Serve   bool   `arg:"--serve" help:"run as the shell server"`
	Addr    string `arg:"-a,--addr" placeholder:"host:port" help:"address to connect to, or to listen on with --serve"`
	KCP     bool   `arg:"--kcp" help:"KCP transport (default is TCP)"`
	Pass    string `arg:"--pass" help:"shared secret, prefer TSHELL_PASS"`
	Salt    string `arg:"--salt" help:"key derivation salt"`
	Shell   string `arg:"--shell" placeholder:"command" help:"command started for each shell, server only"`
	Debug   bool   `arg:"-d,--debug" help:"enable debug logging"`
	Command string `arg:"positional" help:"optional command sent to the shell after it starts"`
}

func (tshellArgs) Description() string {
	return "tshell opens an interactive shell over an encrypted TCP or KCP channel.\n"
}

func (tshellArgs) Version() string {
	return fmt.Sprintf("trzsz shell %s", kTshellVersion)
}

func (a *tshellArgs) apply(cfg *Config) {
	if a.Addr != "" {
		cfg.Addr = a.Addr
	}
	if a.KCP {
		cfg.Mode = kModeKCP
	}
	if a.Pass != "" {
		cfg.Pass = a.Pass
	}
	if a.Salt != "" {
		cfg.Salt = a.Salt
	}
	if a.Shell != "" {
		cfg.Shell = a.Shell
	}
	if a.Debug {
		cfg.Logging.Level = "debug"
	}
}

// TshellMain is the main function of `tshell` binary.
func TshellMain() int {
	var args tshellArgs
	arg.MustParse(&args)

	loader := NewLoader()
	if args.Config != "" {
		loader.SetConfigFile(args.Config)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	args.apply(cfg)
	initLogging(cfg.Logging)

	if cfg.Pass == "" {
		fmt.Fprintf(os.Stderr, "the shared secret is required, set --pass or TSHELL_PASS\n")
		return 1
	}

	if args.Serve {
		return runServer(cfg)
	}
	return runClient(cfg, args.Command)
}

func runServer(cfg *Config) int {
	server, err := Listen(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	handleExitSignals(server)
	fmt.Fprintf(os.Stderr, "tshell listening on %s %v\n", cfg.Mode, server.Addr())
	if err := server.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 3
	}
	return 0
}

func runClient(cfg *Config, command string) int {
	session, err := Connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	defer session.Close()
	handleExitSignals(session)

	channel, err := session.OpenChannel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open channel failed: %v\n", err)
		return 3
	}

	fd := int(os.Stdin.Fd())
	shell, err := OpenShell(channel, GetTerminalSize(fd))
	if err != nil {
		_ = channel.Close()
		fmt.Fprintf(os.Stderr, "open shell failed: %v\n", err)
		return 4
	}
	defer shell.Close()

	if command != "" {
		if err := shell.Write([]byte(command + "\n")); err != nil {
			fmt.Fprintf(os.Stderr, "send command failed: %v\n", err)
			return 5
		}
	}

	restore, err := MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "terminal make raw failed: %v\n", err)
		return 6
	}
	defer restore()

	stopWatching := watchWindowChange(shell, fd)
	defer stopWatching()

	stream := shell.Stream()
	go func() {
		if _, err := io.Copy(stream, os.Stdin); err != nil {
			debug("forward stdin failed: %v", err)
			return
		}
		_ = shell.SendEOF()
	}()

	if _, err := io.Copy(os.Stdout, stream); err != nil && !errors.Is(err, ErrChannelClosed) {
		debug("forward stdout failed: %v", err)
	}

	if code, ok := shell.ExitStatus(); ok {
		return code
	}
	return 0
}

func handleExitSignals(closer io.Closer) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM, // Default signal for the kill command
		syscall.SIGINT,  // Ctrl+C signal
		syscall.SIGHUP,  // Terminal closed (System reboot/shutdown)
	)

	go func() {
		<-sigChan
		debug("exit signal received")
		_ = closer.Close()
	}()
}
