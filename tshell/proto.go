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
	"encoding/binary"
	"io"
)

const (
	kMsgChannelOpen         byte = 90
	kMsgChannelOpenConfirm  byte = 91
	kMsgChannelOpenFailure  byte = 92
	kMsgChannelWindowAdjust byte = 93
	kMsgChannelData         byte = 94
	kMsgChannelExtendedData byte = 95
	kMsgChannelEOF          byte = 96
	kMsgChannelClose        byte = 97
	kMsgChannelRequest      byte = 98
	kMsgChannelSuccess      byte = 99
	kMsgChannelFailure      byte = 100
)

const kChannelTypeSession = "session"

const kOpenFailureUnknownChannelType = 3

const kBanner = "TSHELL-1.0\r\n"

const kCookieSize = 16

const kMaxFrameSize = 256 * 1024

// Data builds the payload of one outbound message.
// All integers are written big-endian and strings carry a u32 length prefix.
type Data struct {
	buf []byte
}

func NewData() *Data {
	return &Data{}
}

func (d *Data) PutU8(v uint8) *Data {
	d.buf = append(d.buf, v)
	return d
}

func (d *Data) PutU32(v uint32) *Data {
	d.buf = binary.BigEndian.AppendUint32(d.buf, v)
	return d
}

func (d *Data) PutStr(s string) *Data {
	d.buf = binary.BigEndian.AppendUint32(d.buf, uint32(len(s)))
	d.buf = append(d.buf, s...)
	return d
}

func (d *Data) PutBytes(b []byte) *Data {
	d.buf = binary.BigEndian.AppendUint32(d.buf, uint32(len(b)))
	d.buf = append(d.buf, b...)
	return d
}

// PutRaw appends b without a length prefix.
func (d *Data) PutRaw(b []byte) *Data {
	d.buf = append(d.buf, b...)
	return d
}

func (d *Data) Bytes() []byte {
	return d.buf
}

func (d *Data) Len() int {
	return len(d.buf)
}

// packetReader decodes an inbound payload. The first decoding failure sticks
// and every later read returns a zero value.
type packetReader struct {
	buf []byte
	err error
}

func newPacketReader(buf []byte) *packetReader {
	return &packetReader{buf: buf}
}

func (r *packetReader) fail(field string) {
	if r.err == nil {
		r.err = newSshError(KindProtocol, "short packet reading %s", field)
	}
	r.buf = nil
}

func (r *packetReader) u8() uint8 {
	if r.err != nil || len(r.buf) < 1 {
		r.fail("u8")
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *packetReader) u32() uint32 {
	if r.err != nil || len(r.buf) < 4 {
		r.fail("u32")
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *packetReader) bytes() []byte {
	n := r.u32()
	if r.err != nil || uint64(len(r.buf)) < uint64(n) {
		r.fail("string")
		return nil
	}
	v := r.buf[:n:n]
	r.buf = r.buf[n:]
	return v
}

func (r *packetReader) str() string {
	return string(r.bytes())
}

func (r *packetReader) rest() []byte {
	v := r.buf
	r.buf = nil
	return v
}

func writeAll(dst io.Writer, data []byte) error {
	m := 0
	l := len(data)
	for m < l {
		n, err := dst.Write(data[m:])
		if err != nil {
			return err
		}
		m += n
	}
	return nil
}

func msgName(msg byte) string {
	switch msg {
	case kMsgChannelOpen:
		return "channel open"
	case kMsgChannelOpenConfirm:
		return "channel open confirmation"
	case kMsgChannelOpenFailure:
		return "channel open failure"
	case kMsgChannelWindowAdjust:
		return "window adjust"
	case kMsgChannelData:
		return "channel data"
	case kMsgChannelExtendedData:
		return "channel extended data"
	case kMsgChannelEOF:
		return "channel eof"
	case kMsgChannelClose:
		return "channel close"
	case kMsgChannelRequest:
		return "channel request"
	case kMsgChannelSuccess:
		return "channel success"
	case kMsgChannelFailure:
		return "channel failure"
	default:
		return "unknown"
	}
}
