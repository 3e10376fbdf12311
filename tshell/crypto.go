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
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const kKeyIterations = 4096

// EncryptionKey is the negotiated traffic protection of one connection.
// It is not safe for concurrent use; reach it through the session registry.
type EncryptionKey struct {
	sealer  cipher.AEAD
	opener  cipher.AEAD
	sendSeq uint64
	recvSeq uint64
}

// NewEncryptionKey derives the two directional keys from the shared secret
// and the cookie sent by the client in the clear.
func NewEncryptionKey(pass, salt, cookie []byte, server bool) (*EncryptionKey, error) {
	if len(cookie) != kCookieSize {
		return nil, fmt.Errorf("invalid cookie length %d", len(cookie))
	}
	keySalt := make([]byte, 0, len(salt)+len(cookie))
	keySalt = append(keySalt, salt...)
	keySalt = append(keySalt, cookie...)
	material := pbkdf2.Key(pass, keySalt, kKeyIterations, 2*chacha20poly1305.KeySize, sha256.New)

	c2s, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305 failed: %v", err)
	}
	s2c, err := chacha20poly1305.New(material[chacha20poly1305.KeySize:])
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305 failed: %v", err)
	}

	if server {
		return &EncryptionKey{sealer: s2c, opener: c2s}, nil
	}
	return &EncryptionKey{sealer: c2s, opener: s2c}, nil
}

func sequenceNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts payload into a complete frame: u32 length followed by the
// ciphertext, the length doubling as additional data.
func (k *EncryptionKey) Seal(payload []byte) []byte {
	size := len(payload) + k.sealer.Overhead()
	header := binary.BigEndian.AppendUint32(nil, uint32(size))
	frame := make([]byte, 4, 4+size)
	copy(frame, header)
	frame = k.sealer.Seal(frame, sequenceNonce(k.sendSeq), payload, header)
	k.sendSeq++
	return frame
}

// Open decrypts the frame body read after header.
func (k *EncryptionKey) Open(header, body []byte) ([]byte, error) {
	payload, err := k.opener.Open(nil, sequenceNonce(k.recvSeq), body, header)
	if err != nil {
		return nil, newSshError(KindProtocol, "open frame %d failed: %v", k.recvSeq, err)
	}
	k.recvSeq++
	return payload, nil
}

func (k *EncryptionKey) Overhead() int {
	return k.sealer.Overhead()
}
