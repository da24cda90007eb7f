// envelope.go - The pre-fragmentation message envelope.
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
	"github.com/fxamacker/cbor/v2"

	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// AnonymousSenderTag is a stable-per-session pseudonymous identifier the
// recipient uses to address replies via stored SURBs, without ever learning
// the sender's network address.
type AnonymousSenderTag [16]byte

// envelope is what gets CBOR-encoded and then split across fragments. The
// fixed 5-byte FragmentIdentifier lives outside the envelope, in the
// per-fragment wire header (fragment.go); the envelope only carries
// whole-message content: an optional sender tag, any SURBs the sender
// wants to attach, and the application payload.
type envelope struct {
	HasTag  bool               `cbor:"1,keyasint"`
	Tag     AnonymousSenderTag `cbor:"2,keyasint"`
	SURBs   []sphinxiface.SURB `cbor:"3,keyasint"`
	Payload []byte             `cbor:"4,keyasint"`
}

func marshalEnvelope(e *envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	e := new(envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
