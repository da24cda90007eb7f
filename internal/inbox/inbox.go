// inbox.go - Received-messages buffer.
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

// Package inbox implements the buffer of fully reassembled inbound
// messages waiting for the application to collect them. An unbounded ingest
// channel (github.com/eapache/channels.InfiniteChannel) decouples the
// reassembler's goroutine from however fast (or slow) the application pulls
// messages, feeding a bounded ring buffer once nothing is registered to
// receive immediately.
package inbox

import (
	"sync"

	"github.com/eapache/channels"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/shutdown"
)

// DefaultMaxBuffered bounds how many reassembled messages accumulate
// un-collected before the oldest is dropped.
const DefaultMaxBuffered = 1024

// Inbox receives fully reassembled messages and holds them until the
// application collects them, either via a registered consumer channel or by
// polling Pull.
type Inbox struct {
	log         *logging.Logger
	ch          *channels.InfiniteChannel
	maxBuffered int

	mu       sync.Mutex
	buf      []*chunking.ReassembledMessage
	consumer chan *chunking.ReassembledMessage
	dropped  uint64
	closed   bool
}

// New constructs an Inbox. A maxBuffered of zero or less uses
// DefaultMaxBuffered.
func New(maxBuffered int, log *logging.Logger) *Inbox {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Inbox{
		log:         log,
		ch:          channels.NewInfiniteChannel(),
		maxBuffered: maxBuffered,
	}
}

// Deliver enqueues a freshly reassembled message. It never blocks: the
// ingest channel is unbounded. Messages delivered after shutdown has closed
// the ingest channel are dropped rather than blocking or panicking, per the
// drain discipline of the shutdown tree.
func (b *Inbox) Deliver(msg *chunking.ReassembledMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Debugf("inbox: dropping message delivered during shutdown")
		return
	}
	b.ch.In() <- msg
}

// SetConsumer registers ch as the preferred delivery target: every message
// drained after this call is sent there first, falling back to the
// internal buffer only if ch is not immediately ready to receive. Passing
// nil unregisters the consumer, reverting to pure buffering.
func (b *Inbox) SetConsumer(ch chan *chunking.ReassembledMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumer = ch
}

// Pull removes and returns the oldest buffered message, if any.
func (b *Inbox) Pull() (*chunking.ReassembledMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil, false
	}
	msg := b.buf[0]
	b.buf[0] = nil
	b.buf = b.buf[1:]
	return msg, true
}

// Len reports how many messages currently sit in the buffer, for
// introspection/metrics.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Dropped reports how many buffered messages have been evicted under
// pressure over the lifetime of this Inbox.
func (b *Inbox) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run drains the ingest channel until tok is cancelled: a single owning
// goroutine reads the unbounded channel and dispatches each item.
func (b *Inbox) Run(tok *shutdown.Token) {
	defer func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.ch.Close()
		tok.Confirm()
	}()

	out := b.ch.Out()
	b.log.Debugf("inbox: worker started")
	for {
		select {
		case <-tok.Done():
			b.log.Debugf("inbox: worker received shutdown")
			return
		case e := <-out:
			msg, ok := e.(*chunking.ReassembledMessage)
			if !ok || msg == nil {
				continue
			}
			b.store(msg)
		}
	}
}

func (b *Inbox) store(msg *chunking.ReassembledMessage) {
	b.mu.Lock()
	consumer := b.consumer
	b.mu.Unlock()

	if consumer != nil {
		select {
		case consumer <- msg:
			return
		default:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.maxBuffered {
		b.buf[0] = nil
		b.buf = b.buf[1:]
		b.dropped++
		b.log.Warningf("inbox: buffer full at %d messages, dropping oldest", b.maxBuffered)
	}
	b.buf = append(b.buf, msg)
}
