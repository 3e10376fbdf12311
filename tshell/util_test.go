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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeUTF8(t *testing.T) {
	s, err := DecodeUTF8([]byte("héllo, 世界"))
	if err != nil {
		t.Fatalf("DecodeUTF8 failed: %v", err)
	}
	if s != "héllo, 世界" {
		t.Fatalf("DecodeUTF8 = %q", s)
	}

	if s, err := DecodeUTF8(nil); err != nil || s != "" {
		t.Fatalf("DecodeUTF8(nil) = %q, %v", s, err)
	}

	for _, invalid := range [][]byte{{0xff}, {'a', 0xc3}, {0xed, 0xa0, 0x80}} {
		if _, err := DecodeUTF8(invalid); !errors.Is(err, ErrFromUtf8) {
			t.Fatalf("DecodeUTF8(%v) err = %v, want utf-8 error", invalid, err)
		}
	}
}

func TestSplitIntoStrings(t *testing.T) {
	tests := []struct {
		input string
		sep   string
		want  []string
	}{
		{"a,,b", ",", []string{"a", "", "b"}},
		{"a,b,", ",", []string{"a", "b", ""}},
		{"", ",", []string{""}},
		{"no separator", ",", []string{"no separator"}},
		{"k=v\r\nk2=v2", "\r\n", []string{"k=v", "k2=v2"}},
	}
	for _, tt := range tests {
		got, err := SplitIntoStrings([]byte(tt.input), tt.sep)
		if err != nil {
			t.Fatalf("SplitIntoStrings(%q) failed: %v", tt.input, err)
		}
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}

	if _, err := SplitIntoStrings([]byte{'a', ',', 0xff}, ","); !errors.Is(err, ErrFromUtf8) {
		t.Fatalf("SplitIntoStrings invalid err = %v, want utf-8 error", err)
	}
}

func TestCookie(t *testing.T) {
	a, b := Cookie(), Cookie()
	if len(a) != 16 || len(b) != 16 {
		t.Fatalf("cookie lengths %d %d, want 16", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two cookies are equal: %x", a)
	}
}

func TestWriteClientPassesTransportError(t *testing.T) {
	session, _, _ := newRecordSession(t, 1)
	if err := writeClient(session.Client(), []byte("payload")); !errors.Is(err, errWriteFailed) {
		t.Fatalf("writeClient err = %v, want the transport error", err)
	}
}
