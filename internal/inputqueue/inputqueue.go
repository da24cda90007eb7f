// inputqueue.go - Application-facing send queue.
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

// Package inputqueue implements the bounded channel an application writes
// outbound messages into, and the single owning goroutine that turns each
// one into fragments, registers them with the ack controller, and hands
// them to the outbound queue. One request channel, one worker, three
// request kinds: Regular, Anonymous, Reply.
package inputqueue

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/shutdown"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/surb"
)

// DefaultCapacity bounds how many outstanding send requests the queue holds
// before Send starts blocking the caller.
const DefaultCapacity = 128

// DefaultTopUpRequestCount is how many fresh reply SURBs a top-up request
// asks the peer to mint.
const DefaultTopUpRequestCount = 50

// Enqueuer is the outbound queue prepared packets are handed to.
type Enqueuer interface {
	Enqueue(pkt *chunking.PreparedPacket)
}

// AckRegistrar is the narrow view of the ack controller the queue needs:
// one call per newly-sent real fragment, made before the fragment is handed
// to the outbound queue so the pending entry exists by the time the packet
// can leave the router.
type AckRegistrar interface {
	Register(fragment *chunking.PreparedPacket, ackRoundTrip time.Duration, dest, self sphinxiface.Destination, wire []byte)
}

// Replier is the narrow view of the chunker the queue needs for both
// topology-routed sends and reply-SURB sends.
type Replier interface {
	Chunk(msg []byte, ctx chunking.RoutingContext) (*chunking.Chunked, error)
	ChunkReply(msg []byte, l lane.Lane, surbs []sphinxiface.SURB) (*chunking.Chunked, error)
	ReplyFragmentCount(msg []byte) (int, error)
}

type kind int

const (
	kindRegular kind = iota
	kindAnonymous
	kindReply
)

type request struct {
	kind      kind
	recipient sphinxiface.Destination
	tag       chunking.AnonymousSenderTag
	data      []byte
	numSURBs  int
	lane      lane.Lane
	resultCh  chan sendResult
}

type sendResult struct {
	tag chunking.AnonymousSenderTag
	err error
}

// InputQueue is the application-facing send queue. It owns no network
// state itself; it only fragments and forwards, using the chunker, ack
// controller, router and SURB manager it was built with.
type InputQueue struct {
	log               *logging.Logger
	chunker           Replier
	ack               AckRegistrar
	out               Enqueuer
	surbs             *surb.Manager
	self              sphinxiface.Destination
	topUpRequestCount int

	in chan *request
}

// New constructs an InputQueue. capacity of zero or less uses
// DefaultCapacity; topUpRequestCount of zero or less uses
// DefaultTopUpRequestCount.
func New(chunker Replier, ackCtrl AckRegistrar, out Enqueuer, surbs *surb.Manager, self sphinxiface.Destination, capacity, topUpRequestCount int, log *logging.Logger) *InputQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if topUpRequestCount <= 0 {
		topUpRequestCount = DefaultTopUpRequestCount
	}
	return &InputQueue{
		log:               log,
		chunker:           chunker,
		ack:               ackCtrl,
		out:               out,
		surbs:             surbs,
		self:              self,
		topUpRequestCount: topUpRequestCount,
		in:                make(chan *request, capacity),
	}
}

// SendRegular sends data to recipient via a freshly selected topology route,
// tracked for acknowledgement and retransmission. It blocks until the
// request has been fully fragmented and queued. ctx bounds only the wait for
// room in the input queue; once the request is accepted, cancelling ctx does
// not end the wait.
func (q *InputQueue) SendRegular(ctx context.Context, recipient sphinxiface.Destination, data []byte, l lane.Lane) error {
	req := &request{kind: kindRegular, recipient: recipient, data: data, lane: l, resultCh: make(chan sendResult, 1)}
	if err := q.submit(ctx, req); err != nil {
		return err
	}
	res := <-req.resultCh
	return res.err
}

// SendAnonymous sends data to recipient the same way as SendRegular, but
// attaches numSURBsToAttach freshly issued reply SURBs and a sender tag so
// the recipient can address a reply back without learning this client's
// network address. Pass a zero AnonymousSenderTag to have one generated;
// pass the tag returned by an earlier call to keep using the same pseudonym
// across a conversation. It returns the tag actually used.
func (q *InputQueue) SendAnonymous(ctx context.Context, recipient sphinxiface.Destination, data []byte, numSURBsToAttach int, tag chunking.AnonymousSenderTag, l lane.Lane) (chunking.AnonymousSenderTag, error) {
	req := &request{
		kind:      kindAnonymous,
		recipient: recipient,
		data:      data,
		numSURBs:  numSURBsToAttach,
		tag:       tag,
		lane:      l,
		resultCh:  make(chan sendResult, 1),
	}
	if err := q.submit(ctx, req); err != nil {
		return chunking.AnonymousSenderTag{}, err
	}
	res := <-req.resultCh
	return res.tag, res.err
}

// SendReply sends data entirely through SURBs previously stored under tag.
// It fails with chunking.ErrSURBExhausted if the bucket does not hold
// enough SURBs to cover every fragment this message requires; no partial
// send is ever attempted.
func (q *InputQueue) SendReply(ctx context.Context, tag chunking.AnonymousSenderTag, data []byte, l lane.Lane) error {
	req := &request{kind: kindReply, tag: tag, data: data, lane: l, resultCh: make(chan sendResult, 1)}
	if err := q.submit(ctx, req); err != nil {
		return err
	}
	res := <-req.resultCh
	return res.err
}

func (q *InputQueue) submit(ctx context.Context, req *request) error {
	select {
	case q.in <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the send queue until tok is cancelled, dispatching one request
// at a time from the single owning goroutine.
func (q *InputQueue) Run(tok *shutdown.Token) {
	defer tok.Confirm()

	q.log.Debugf("inputqueue: worker started")
	for {
		select {
		case <-tok.Done():
			q.log.Debugf("inputqueue: worker received shutdown")
			return
		case req := <-q.in:
			q.dispatch(req)
		}
	}
}

func (q *InputQueue) dispatch(req *request) {
	switch req.kind {
	case kindRegular:
		req.resultCh <- sendResult{err: q.handleRegular(req)}
	case kindAnonymous:
		tag, err := q.handleAnonymous(req)
		req.resultCh <- sendResult{tag: tag, err: err}
	case kindReply:
		req.resultCh <- sendResult{err: q.handleReply(req)}
	}
}

func (q *InputQueue) handleRegular(req *request) error {
	ctx := chunking.RoutingContext{
		Recipient: req.recipient,
		Self:      q.self,
		Lane:      req.lane,
	}
	return q.sendViaChunk(req.data, ctx)
}

func (q *InputQueue) handleAnonymous(req *request) (chunking.AnonymousSenderTag, error) {
	tag := req.tag
	if tag == (chunking.AnonymousSenderTag{}) {
		if _, err := rand.Read(tag[:]); err != nil {
			return tag, fmt.Errorf("inputqueue: generate sender tag: %w", err)
		}
	}
	ctx := chunking.RoutingContext{
		Recipient:        req.recipient,
		Self:             q.self,
		Lane:             req.lane,
		NumSURBsToAttach: req.numSURBs,
		SenderTag:        tag,
		HasSenderTag:     true,
	}
	return tag, q.sendViaChunk(req.data, ctx)
}

func (q *InputQueue) sendViaChunk(data []byte, ctx chunking.RoutingContext) error {
	chunked, err := q.chunker.Chunk(data, ctx)
	if err != nil {
		return err
	}
	for i, frag := range chunked.Fragments {
		q.ack.Register(frag, chunked.AckRoundTrips[i], ctx.Recipient, ctx.Self, chunked.Wire[i])
		q.out.Enqueue(frag)
	}
	return nil
}

func (q *InputQueue) handleReply(req *request) error {
	n, err := q.chunker.ReplyFragmentCount(req.data)
	if err != nil {
		return err
	}
	entries, ok := q.surbs.ConsumeN(req.tag, n)
	if !ok {
		return chunking.ErrSURBExhausted
	}

	replySURBs := make([]sphinxiface.SURB, len(entries))
	for i, e := range entries {
		replySURBs[i] = e.SURB
	}

	chunked, err := q.chunker.ChunkReply(req.data, req.lane, replySURBs)
	if err != nil {
		return err
	}
	for _, frag := range chunked.Fragments {
		q.out.Enqueue(frag)
	}

	if q.surbs.RequestTopUpIfNeeded(req.tag) {
		q.sendTopUpRequest(req.tag)
	}
	return nil
}

// topUpRequest is the CBOR body of an AdditionalReplySurbs request: a small
// reply-SURB message, sent through one SURB drawn from the same bucket it
// is trying to replenish, asking the peer to mint and send back more.
type topUpRequest struct {
	WantCount int `cbor:"1,keyasint"`
}

// sendTopUpRequest spends exactly one reserved SURB to ask the peer for
// more. A bucket too exhausted to spare even that one SURB skips the
// request rather than blocking or erroring: the caller already has their
// reply queued, and the bucket's own emptiness will surface on the next
// SendReply attempt.
func (q *InputQueue) sendTopUpRequest(tag chunking.AnonymousSenderTag) {
	entries, ok := q.surbs.ConsumeN(tag, 1)
	if !ok {
		q.log.Debugf("inputqueue: skipping SURB top-up request for tag %x, bucket already exhausted", tag)
		return
	}

	body, err := cbor.Marshal(&topUpRequest{WantCount: q.topUpRequestCount})
	if err != nil {
		q.log.Warningf("inputqueue: encode top-up request: %v", err)
		return
	}

	chunked, err := q.chunker.ChunkReply(body, lane.ReplySurbRequestLane, []sphinxiface.SURB{entries[0].SURB})
	if err != nil {
		q.log.Warningf("inputqueue: build top-up request: %v", err)
		return
	}
	for _, frag := range chunked.Fragments {
		q.out.Enqueue(frag)
	}
	q.log.Debugf("inputqueue: sent SURB top-up request for tag %x", tag)
}
