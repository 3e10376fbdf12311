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
	crypto_rand "crypto/rand"
	"strings"
	"unicode/utf8"
)

// writeClient writes one payload while holding the client lock, so payloads
// from different channels never interleave on the wire.
func writeClient(client *Registry[Client], data []byte) error {
	guard, err := client.Acquire()
	if err != nil {
		return err
	}
	defer guard.Release()
	return guard.Value().Write(data)
}

// readClient collects the packets received so far while holding the client lock.
func readClient(client *Registry[Client]) ([][]byte, error) {
	guard, err := client.Acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return guard.Value().Read()
}

// DecodeUTF8 converts b to a string, rejecting invalid UTF-8.
func DecodeUTF8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		errorLog("decode utf-8 failed: %q", b)
		return "", newSshError(KindFromUtf8, "invalid utf-8 sequence in %d bytes", len(b))
	}
	return string(b), nil
}

// SplitIntoStrings decodes b and splits it on every occurrence of sep.
// Empty parts are kept.
func SplitIntoStrings(b []byte, sep string) ([]string, error) {
	s, err := DecodeUTF8(b)
	if err != nil {
		return nil, err
	}
	return strings.Split(s, sep), nil
}

// Cookie returns 16 random bytes from the system CSPRNG.
func Cookie() []byte {
	cookie := make([]byte, kCookieSize)
	_, _ = crypto_rand.Read(cookie)
	return cookie
}
