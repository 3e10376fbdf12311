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

import "fmt"

// ErrorKind classifies the failures raised by the session layer itself.
// Transport errors are never wrapped into a kind, they are returned as is.
type ErrorKind int

const (
	KindMutex ErrorKind = iota + 1
	KindClientNull
	KindConfigNull
	KindEncryptionNull
	KindFromUtf8
	KindChannelClosed
	KindChannelOpen
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindMutex:
		return "mutex error"
	case KindClientNull:
		return "client is not initialized"
	case KindConfigNull:
		return "config is not initialized"
	case KindEncryptionNull:
		return "encryption key is not initialized"
	case KindFromUtf8:
		return "invalid utf-8"
	case KindChannelClosed:
		return "channel closed"
	case KindChannelOpen:
		return "channel open failed"
	case KindProtocol:
		return "protocol error"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// SshError is the error type of the session layer.
// Two SshError values match with errors.Is when their kinds are equal.
type SshError struct {
	Kind ErrorKind
	Msg  string
}

func (e *SshError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *SshError) Is(target error) bool {
	t, ok := target.(*SshError)
	return ok && t.Kind == e.Kind
}

var (
	ErrMutex          = &SshError{Kind: KindMutex}
	ErrClientNull     = &SshError{Kind: KindClientNull}
	ErrConfigNull     = &SshError{Kind: KindConfigNull}
	ErrEncryptionNull = &SshError{Kind: KindEncryptionNull}
	ErrFromUtf8       = &SshError{Kind: KindFromUtf8}
	ErrChannelClosed  = &SshError{Kind: KindChannelClosed}
	ErrChannelOpen    = &SshError{Kind: KindChannelOpen}
	ErrProtocol       = &SshError{Kind: KindProtocol}
)

func newSshError(kind ErrorKind, format string, a ...any) *SshError {
	return &SshError{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}
