// listener.go - Acknowledgement listener.
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

package ack

import (
	"context"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/identity"
	"github.com/nymtech/nymclient-core/internal/shutdown"
)

// Listener watches the inbound ACK channel for acknowledgement payloads,
// recovers the fragment identifier each one carries, and tells the
// Controller to stop tracking it. Cover and reply identifiers are dropped;
// everything else fires a removal.
type Listener struct {
	log        *logging.Logger
	ackKey     identity.AckKey
	controller *Controller
	ackCh      <-chan []byte
}

// NewListener constructs a Listener reading raw ACK payloads from ackCh.
func NewListener(ackKey identity.AckKey, controller *Controller, ackCh <-chan []byte, log *logging.Logger) *Listener {
	return &Listener{
		log:        log,
		ackKey:     ackKey,
		controller: controller,
		ackCh:      ackCh,
	}
}

// onAck recovers the fragment id, silently drops cover and reply
// identifiers (nothing was ever registered for them), and otherwise tells
// the controller to remove the pending entry.
func (l *Listener) onAck(payload []byte) {
	fragID, err := chunking.RecoverFragmentID(l.ackKey, payload)
	if err != nil {
		l.log.Warningf("ack: received invalid ack payload: %v", err)
		return
	}

	if fragID == chunking.CoverFragID {
		l.log.Debugf("ack: received ack for a cover message, nothing to do")
		return
	}
	if fragID.IsReply {
		l.log.Debugf("ack: received ack for a reply fragment, nothing to do")
		return
	}

	l.log.Debugf("ack: received ack for %v", fragID)
	l.controller.Acknowledge(fragID)
}

// Run drains the ACK channel until either it closes or shutdown is
// cancelled; the select is biased so shutdown is checked first and a
// channel close ends the loop cleanly. On shutdown, any ACKs already
// buffered in the channel are drained within the token's bounded drain
// grace before the listener exits.
func (l *Listener) Run(ctx context.Context, tok *shutdown.Token) {
	defer tok.Confirm()

	l.log.Debugf("ack: listener started")
	for {
		select {
		case <-tok.Done():
			l.log.Debugf("ack: listener received shutdown")
			l.drainBuffered(tok.DrainGrace())
			return
		default:
		}

		select {
		case <-tok.Done():
			l.log.Debugf("ack: listener received shutdown")
			l.drainBuffered(tok.DrainGrace())
			return
		case payload, ok := <-l.ackCh:
			if !ok {
				l.log.Debugf("ack: listener stopping, channel closed")
				return
			}
			l.onAck(payload)
		case <-ctx.Done():
			l.log.Debugf("ack: listener stopping, context cancelled")
			return
		}
	}
}

// drainBuffered processes whatever ACKs are already sitting in the channel
// without ever blocking for new ones, bounded by grace.
func (l *Listener) drainBuffered(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for {
		if time.Now().After(deadline) {
			l.log.Debugf("ack: drain grace elapsed with ACKs still buffered")
			return
		}
		select {
		case payload, ok := <-l.ackCh:
			if !ok {
				return
			}
			l.onAck(payload)
		default:
			return
		}
	}
}
