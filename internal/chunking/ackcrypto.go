// ackcrypto.go - Encrypt/recover fragment identifiers for the ACK channel.
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

package chunking

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nymtech/nymclient-core/internal/identity"
)

// EncryptFragmentID produces the plaintext payload of an ACK packet:
// encrypt(ack_key, fragment_id || padding), padded to size bytes total.
func EncryptFragmentID(key identity.AckKey, id FragmentIdentifier, size int) ([]byte, error) {
	aead, err := newAckAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	idBytes := id.Bytes()
	ct := aead.Seal(nil, nonce, idBytes[:], nil)

	if need := len(nonce) + len(ct); need > size {
		return nil, fmt.Errorf("chunking: ack size class too small for encrypted fragment id: need %d, have %d", need, size)
	}

	out := make([]byte, size)
	n := copy(out, nonce)
	copy(out[n:], ct)
	return out, nil
}

// RecoverFragmentID decrypts an ACK payload built by EncryptFragmentID and
// recovers the FragmentIdentifier it carries.
func RecoverFragmentID(key identity.AckKey, payload []byte) (FragmentIdentifier, error) {
	aead, err := newAckAEAD(key)
	if err != nil {
		return FragmentIdentifier{}, err
	}

	nonceSize := aead.NonceSize()
	if len(payload) < nonceSize+FragmentIdentifierLength+aead.Overhead() {
		return FragmentIdentifier{}, fmt.Errorf("chunking: ack payload too short")
	}

	nonce := payload[:nonceSize]
	ctLen := FragmentIdentifierLength + aead.Overhead()
	ct := payload[nonceSize : nonceSize+ctLen]

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return FragmentIdentifier{}, fmt.Errorf("chunking: ack decrypt failed: %w", err)
	}
	return FragmentIdentifierFromBytes(pt)
}

func newAckAEAD(key identity.AckKey) (cipher.AEAD, error) {
	return chacha20poly1305.New(key[:])
}
