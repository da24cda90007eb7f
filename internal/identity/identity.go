// identity.go - Client identity and ACK key material.
// Copyright (C) 2022  Nym Technologies SA
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package identity holds the cryptographic material the core is handed at
// construction: the client's link keypair and the ACK encryption key used
// to encrypt/recover fragment identifiers. The core never persists these
// itself; loading and generation are offered here as a caller convenience,
// PEM on disk with explicit zeroing of key buffers.
package identity

import (
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const fileMode = 0600

// LinkKeypair is an X25519 keypair used to derive the client's ACK
// encryption key and to authenticate with the gateway.
type LinkKeypair struct {
	Private [32]byte
	Public  [32]byte
}

// NewLinkKeypair generates a fresh X25519 keypair.
func NewLinkKeypair() (*LinkKeypair, error) {
	k := new(LinkKeypair)
	if _, err := rand.Read(k.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(k.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.Public[:], pub)
	return k, nil
}

// explicitBzero overwrites b with zeroes so key material does not linger in
// buffers after use.
func explicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// LoadOrGenerateLinkKey loads a PEM-encoded link private key from fn, or
// generates and persists a new one if fn does not exist. Key persistence is
// a caller responsibility, not the core's; this helper is a convenience for
// callers and test fixtures (the cmd/ harness uses a fresh NewLinkKeypair).
func LoadOrGenerateLinkKey(fn string) (*LinkKeypair, error) {
	const keyType = "X25519 PRIVATE KEY"

	if buf, err := os.ReadFile(fn); err == nil {
		defer explicitBzero(buf)
		blk, rest := pem.Decode(buf)
		if blk == nil {
			return nil, fmt.Errorf("identity: no PEM block in %v", fn)
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("identity: trailing garbage after link private key")
		}
		if blk.Type != keyType {
			return nil, fmt.Errorf("identity: invalid PEM type: %v", blk.Type)
		}
		defer explicitBzero(blk.Bytes)
		if len(blk.Bytes) != 32 {
			return nil, fmt.Errorf("identity: invalid link key length: %v", len(blk.Bytes))
		}

		k := new(LinkKeypair)
		copy(k.Private[:], blk.Bytes)
		pub, err := curve25519.X25519(k.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		copy(k.Public[:], pub)
		return k, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	k, err := NewLinkKeypair()
	if err != nil {
		return nil, err
	}
	blk := &pem.Block{Type: keyType, Bytes: k.Private[:]}
	if err := os.WriteFile(fn, pem.EncodeToMemory(blk), fileMode); err != nil {
		return nil, err
	}
	return k, nil
}

// AckKey is the shared secret used to encrypt and recover fragment
// identifiers in ACK payloads. It is derived once at construction and
// shared by reference for the lifetime of the client.
type AckKey [32]byte

// DeriveAckKey derives a stable ACK key from the client's link private key,
// domain-separated so it can never be confused with any other derived
// secret.
func DeriveAckKey(link *LinkKeypair) AckKey {
	h, _ := blake2b.New256([]byte("nymclient-ack-key-v1"))
	h.Write(link.Private[:])
	sum := h.Sum(nil)
	var k AckKey
	copy(k[:], sum)
	return k
}
