// errors.go - Chunker/reassembler error kinds.
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

import "errors"

var (
	// ErrEmptyMessage is returned for a zero-length outbound message.
	ErrEmptyMessage = errors.New("chunking: empty message")

	// ErrOversizeMessage is returned when a message exceeds the maximum
	// number of fragments (255) for the configured size class.
	ErrOversizeMessage = errors.New("chunking: message too large for fragment count limit")

	// ErrSURBExhausted is returned when a reply needs more reply SURBs
	// than were supplied; the caller decides whether to queue or drop.
	ErrSURBExhausted = errors.New("chunking: not enough reply SURBs for this message")
)
