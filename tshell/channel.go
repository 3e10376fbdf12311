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
	"math"
	"sync"
	"sync/atomic"
)

// ChannelBroker is one multiplexed channel of a session.
//
// Every outbound message goes through the client lock of the session.
// Inbound packets are pulled from the client by whichever broker is waiting
// and routed to the channel they address.
type ChannelBroker struct {
	session  *Session
	localID  uint32
	remoteID uint32
	incoming bool

	mutex           sync.Mutex
	confirmed       bool
	openErr         error
	inbox           [][]byte
	requests        []*ChannelRequest
	remoteWindow    uint32
	remoteMaxPacket uint32
	localWindow     uint32
	localConsumed   uint32
	eof             bool
	peerClosed      bool
	closeSent       bool
	exitStatus      int
	hasExitStatus   bool

	closed atomic.Bool
}

// ChannelRequest is a request received from the peer on a channel.
type ChannelRequest struct {
	Type      string
	WantReply bool
	Payload   []byte
	channel   *ChannelBroker
}

// Reply answers the request if the peer asked for an answer.
func (r *ChannelRequest) Reply(ok bool) error {
	if !r.WantReply {
		return nil
	}
	msg := kMsgChannelFailure
	if ok {
		msg = kMsgChannelSuccess
	}
	return r.channel.Send(NewData().PutU8(msg).PutU32(r.channel.remoteID))
}

// OpenChannel opens a "session" channel and waits for the peer to confirm it.
// The window and the max packet size come from the session config.
func (s *Session) OpenChannel() (*ChannelBroker, error) {
	var window, maxPacket uint32
	if err := s.config.With(func(cfg *Config) error {
		window, maxPacket = cfg.WindowSize, cfg.MaxPacketSize
		return nil
	}); err != nil {
		return nil, err
	}

	ch := s.newChannel(window)
	msg := NewData().PutU8(kMsgChannelOpen).PutStr(kChannelTypeSession).
		PutU32(ch.localID).PutU32(window).PutU32(maxPacket)
	if err := writeClient(s.client, msg.Bytes()); err != nil {
		s.removeChannel(ch)
		return nil, err
	}

	if err := s.waitFor(func() (bool, error) {
		ch.mutex.Lock()
		defer ch.mutex.Unlock()
		if ch.openErr != nil {
			return true, ch.openErr
		}
		if ch.peerClosed {
			return true, io.EOF
		}
		return ch.confirmed, nil
	}); err != nil {
		s.removeChannel(ch)
		return nil, err
	}

	debug("channel %d opened, peer channel %d", ch.localID, ch.remoteID)
	return ch, nil
}

// AcceptChannel waits for the peer to open a channel.
func (s *Session) AcceptChannel() (*ChannelBroker, error) {
	var ch *ChannelBroker
	err := s.waitFor(func() (bool, error) {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if len(s.accepted) == 0 {
			return false, nil
		}
		ch = s.accepted[0]
		s.accepted = s.accepted[1:]
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Session) newChannel(window uint32) *ChannelBroker {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for {
		id := s.nextChannelNo
		s.nextChannelNo++
		if _, ok := s.channels[id]; ok {
			continue
		}
		ch := &ChannelBroker{session: s, localID: id, localWindow: window}
		s.channels[id] = ch
		return ch
	}
}

func (s *Session) removeChannel(ch *ChannelBroker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.channels[ch.localID] == ch {
		delete(s.channels, ch.localID)
	}
}

func (s *Session) lookupChannel(id uint32) *ChannelBroker {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.channels[id]
}

// waitFor blocks until cond reports done, pulling packets off the client
// while waiting. The wait itself holds no lock.
func (s *Session) waitFor(cond func() (bool, error)) error {
	for {
		wait := s.changed()
		if done, err := cond(); done || err != nil {
			return err
		}
		progressed, err := s.pump()
		if err != nil {
			if done, cerr := cond(); done || cerr != nil {
				return cerr
			}
			return err
		}
		if !progressed {
			<-wait
		}
	}
}

// pump dispatches the packets received so far. Pumping is serialized so
// packets of one channel are always handled in arrival order.
func (s *Session) pump() (bool, error) {
	s.pumpMutex.Lock()
	defer s.pumpMutex.Unlock()
	packets, err := readClient(s.client)
	for _, packet := range packets {
		s.dispatch(packet)
	}
	if len(packets) > 0 {
		s.signal()
	}
	return len(packets) > 0, err
}

func (s *Session) dispatch(packet []byte) {
	if len(packet) == 0 {
		warning("empty packet dropped")
		return
	}
	msg := packet[0]
	r := newPacketReader(packet[1:])
	if msg == kMsgChannelOpen {
		s.handleChannelOpen(r)
		return
	}
	if msg < kMsgChannelOpen || msg > kMsgChannelFailure {
		warning("unexpected message %d dropped", msg)
		return
	}
	id := r.u32()
	if r.err != nil {
		warning("%s dropped: %v", msgName(msg), r.err)
		return
	}
	ch := s.lookupChannel(id)
	if ch == nil {
		debug("%s for unknown channel %d dropped", msgName(msg), id)
		return
	}
	if err := ch.handle(msg, r); err != nil {
		warning("channel %d handle %s failed: %v", id, msgName(msg), err)
	}
}

func (s *Session) handleChannelOpen(r *packetReader) {
	chanType := r.str()
	sender := r.u32()
	window := r.u32()
	maxPacket := r.u32()
	if r.err != nil {
		warning("channel open dropped: %v", r.err)
		return
	}

	if chanType != kChannelTypeSession {
		debug("reject channel type %q from peer channel %d", chanType, sender)
		msg := NewData().PutU8(kMsgChannelOpenFailure).PutU32(sender).
			PutU32(kOpenFailureUnknownChannelType).PutStr("unknown channel type").PutStr("")
		if err := writeClient(s.client, msg.Bytes()); err != nil {
			warning("send channel open failure failed: %v", err)
		}
		return
	}

	localWindow, localMaxPacket := uint32(kDefaultWindowSize), uint32(kDefaultMaxPacketSize)
	_ = s.config.With(func(cfg *Config) error {
		localWindow, localMaxPacket = cfg.WindowSize, cfg.MaxPacketSize
		return nil
	})

	ch := s.newChannel(localWindow)
	ch.mutex.Lock()
	ch.remoteID = sender
	ch.incoming = true
	ch.confirmed = true
	ch.remoteWindow = window
	ch.remoteMaxPacket = maxPacket
	ch.mutex.Unlock()

	msg := NewData().PutU8(kMsgChannelOpenConfirm).PutU32(sender).PutU32(ch.localID).
		PutU32(localWindow).PutU32(localMaxPacket)
	if err := writeClient(s.client, msg.Bytes()); err != nil {
		warning("send channel open confirmation failed: %v", err)
		s.removeChannel(ch)
		return
	}

	s.mutex.Lock()
	s.accepted = append(s.accepted, ch)
	s.mutex.Unlock()
	debug("channel %d accepted, peer channel %d", ch.localID, sender)
}

func (c *ChannelBroker) handle(msg byte, r *packetReader) error {
	switch msg {
	case kMsgChannelOpenConfirm:
		sender, window, maxPacket := r.u32(), r.u32(), r.u32()
		if r.err != nil {
			return r.err
		}
		c.mutex.Lock()
		c.remoteID = sender
		c.remoteWindow = window
		c.remoteMaxPacket = maxPacket
		c.confirmed = true
		c.mutex.Unlock()

	case kMsgChannelOpenFailure:
		reason, desc := r.u32(), r.str()
		c.mutex.Lock()
		c.openErr = newSshError(KindChannelOpen, "reason %d: %s", reason, desc)
		c.mutex.Unlock()

	case kMsgChannelWindowAdjust:
		n := r.u32()
		if r.err != nil {
			return r.err
		}
		c.mutex.Lock()
		if uint64(c.remoteWindow)+uint64(n) > math.MaxUint32 {
			c.remoteWindow = math.MaxUint32
		} else {
			c.remoteWindow += n
		}
		c.mutex.Unlock()

	case kMsgChannelData, kMsgChannelExtendedData:
		if msg == kMsgChannelExtendedData {
			_ = r.u32()
		}
		data := r.bytes()
		if r.err != nil {
			return r.err
		}
		if len(data) == 0 {
			return nil
		}
		c.mutex.Lock()
		c.inbox = append(c.inbox, data)
		c.mutex.Unlock()

	case kMsgChannelEOF:
		c.mutex.Lock()
		c.eof = true
		c.mutex.Unlock()

	case kMsgChannelClose:
		c.mutex.Lock()
		c.peerClosed = true
		reply := !c.closeSent && c.confirmed
		c.closeSent = true
		c.mutex.Unlock()
		if reply {
			if err := writeClient(c.session.client, NewData().PutU8(kMsgChannelClose).PutU32(c.remoteID).Bytes()); err != nil {
				debug("reply channel close failed: %v", err)
			}
		}
		c.session.removeChannel(c)

	case kMsgChannelRequest:
		return c.handleRequest(r)

	case kMsgChannelSuccess:
		debug("channel %d request succeeded", c.localID)

	case kMsgChannelFailure:
		warning("channel %d request failed", c.localID)
	}
	return r.err
}

func (c *ChannelBroker) handleRequest(r *packetReader) error {
	reqType := r.str()
	wantReply := r.u8() != 0
	if r.err != nil {
		return r.err
	}
	req := &ChannelRequest{Type: reqType, WantReply: wantReply, Payload: r.rest(), channel: c}

	switch reqType {
	case "exit-status":
		status := newPacketReader(req.Payload).u32()
		c.mutex.Lock()
		c.exitStatus, c.hasExitStatus = int(status), true
		c.mutex.Unlock()
		debug("channel %d exit status %d", c.localID, status)
		return nil
	case "exit-signal":
		debug("channel %d exit signal %q", c.localID, newPacketReader(req.Payload).str())
		return nil
	}

	if !c.incoming {
		return req.Reply(false)
	}
	c.mutex.Lock()
	c.requests = append(c.requests, req)
	c.mutex.Unlock()
	return nil
}

func (c *ChannelBroker) markPeerClosed() {
	c.mutex.Lock()
	c.peerClosed = true
	c.mutex.Unlock()
}

func (c *ChannelBroker) LocalChannelNo() uint32 {
	return c.localID
}

func (c *ChannelBroker) RemoteChannelNo() uint32 {
	return c.remoteID
}

func (c *ChannelBroker) Session() *Session {
	return c.session
}

// ExitStatus reports the exit status sent by the peer, if any.
func (c *ChannelBroker) ExitStatus() (int, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.exitStatus, c.hasExitStatus
}

// Send writes one complete message built by the caller.
func (c *ChannelBroker) Send(d *Data) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return writeClient(c.session.client, d.Bytes())
}

// SendRequest sends a channel request whose specific fields are payload.
func (c *ChannelBroker) SendRequest(name string, wantReply bool, payload []byte) error {
	var flag uint8
	if wantReply {
		flag = 1
	}
	return c.Send(NewData().PutU8(kMsgChannelRequest).PutU32(c.remoteID).PutStr(name).PutU8(flag).PutRaw(payload))
}

// SendData sends buf as channel data, split to the peer's max packet size and
// held back while the peer's window is exhausted.
func (c *ChannelBroker) SendData(buf []byte) error {
	for len(buf) > 0 {
		var n uint32
		if err := c.session.waitFor(func() (bool, error) {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			if c.closed.Load() {
				return true, ErrChannelClosed
			}
			if c.peerClosed {
				return true, io.EOF
			}
			if c.remoteWindow == 0 {
				return false, nil
			}
			maxPacket := c.remoteMaxPacket
			if maxPacket == 0 {
				maxPacket = kDefaultMaxPacketSize
			}
			n = min(uint32(min(len(buf), math.MaxInt32)), c.remoteWindow, maxPacket)
			c.remoteWindow -= n
			return true, nil
		}); err != nil {
			return err
		}
		if err := c.Send(NewData().PutU8(kMsgChannelData).PutU32(c.remoteID).PutBytes(buf[:n])); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SendEOF tells the peer no more data will be sent.
func (c *ChannelBroker) SendEOF() error {
	return c.Send(NewData().PutU8(kMsgChannelEOF).PutU32(c.remoteID))
}

func (c *ChannelBroker) takeData() ([]byte, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed.Load() {
		return nil, true, ErrChannelClosed
	}
	if len(c.inbox) > 0 {
		data := c.inbox[0]
		c.inbox[0] = nil
		c.inbox = c.inbox[1:]
		return data, true, nil
	}
	if c.eof || c.peerClosed {
		return nil, true, io.EOF
	}
	return nil, false, nil
}

// Recv blocks until one data packet is available. It returns io.EOF once the
// peer finished sending and every buffered packet was consumed.
func (c *ChannelBroker) Recv() ([]byte, error) {
	var data []byte
	if err := c.session.waitFor(func() (bool, error) {
		var done bool
		var err error
		data, done, err = c.takeData()
		return done, err
	}); err != nil {
		return nil, err
	}
	c.consume(len(data))
	return data, nil
}

// TryRecv returns one buffered data packet without blocking.
// It returns nil and a nil error when nothing is available.
func (c *ChannelBroker) TryRecv() ([]byte, error) {
	data, done, err := c.takeData()
	if !done {
		if _, perr := c.session.pump(); perr != nil {
			return nil, perr
		}
		data, done, err = c.takeData()
	}
	if err != nil || !done {
		return nil, err
	}
	c.consume(len(data))
	return data, nil
}

// consume returns window to the peer once half of it was read.
func (c *ChannelBroker) consume(n int) {
	c.mutex.Lock()
	c.localConsumed += uint32(n)
	var adjust uint32
	if c.localConsumed >= c.localWindow/2 && !c.peerClosed {
		adjust = c.localConsumed
		c.localConsumed = 0
	}
	c.mutex.Unlock()
	if adjust == 0 {
		return
	}
	if err := c.Send(NewData().PutU8(kMsgChannelWindowAdjust).PutU32(c.remoteID).PutU32(adjust)); err != nil {
		debug("channel %d window adjust failed: %v", c.localID, err)
	}
}

// RecvRequest blocks until the peer sends a channel request.
func (c *ChannelBroker) RecvRequest() (*ChannelRequest, error) {
	var req *ChannelRequest
	if err := c.session.waitFor(func() (bool, error) {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		if c.closed.Load() {
			return true, ErrChannelClosed
		}
		if len(c.requests) > 0 {
			req = c.requests[0]
			c.requests = c.requests[1:]
			return true, nil
		}
		if c.peerClosed {
			return true, io.EOF
		}
		return false, nil
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Close sends the close message and releases the channel number.
// Every later operation fails with ErrChannelClosed.
func (c *ChannelBroker) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mutex.Lock()
	send := !c.closeSent && c.confirmed
	c.closeSent = true
	c.mutex.Unlock()

	var err error
	if send {
		err = writeClient(c.session.client, NewData().PutU8(kMsgChannelClose).PutU32(c.remoteID).Bytes())
	}
	c.session.removeChannel(c)
	c.session.signal()
	debug("channel %d closed", c.localID)
	return err
}

func (c *ChannelBroker) IsClosed() bool {
	return c.closed.Load()
}
