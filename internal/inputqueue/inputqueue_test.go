// inputqueue_test.go - Send-queue dispatch, SURB consumption and top-up.
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

package inputqueue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymtech/nymclient-core/internal/chunking"
	"github.com/nymtech/nymclient-core/internal/lane"
	"github.com/nymtech/nymclient-core/internal/shutdown"
	"github.com/nymtech/nymclient-core/internal/sphinxiface"
	"github.com/nymtech/nymclient-core/internal/surb"
)

func testLogger(t *testing.T) *logging.Logger {
	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	return logging.MustGetLogger(t.Name())
}

// fakeChunker fragments every message into exactly one fragment per
// fragSize bytes, recording the SURBs each ChunkReply call consumed so
// tests can assert FIFO spending.
type fakeChunker struct {
	mu         sync.Mutex
	fragSize   int
	replySURBs [][]sphinxiface.SURB
}

func (f *fakeChunker) fragmentCount(msg []byte) int {
	n := (len(msg) + f.fragSize - 1) / f.fragSize
	if n == 0 {
		n = 1
	}
	return n
}

func (f *fakeChunker) Chunk(msg []byte, ctx chunking.RoutingContext) (*chunking.Chunked, error) {
	if len(msg) == 0 {
		return nil, chunking.ErrEmptyMessage
	}
	n := f.fragmentCount(msg)
	out := &chunking.Chunked{}
	for i := 0; i < n; i++ {
		out.Fragments = append(out.Fragments, &chunking.PreparedPacket{
			FragID: chunking.FragmentIdentifier{SetID: 1, Total: uint8(n), Index: uint8(i)},
			Lane:   ctx.Lane,
		})
		out.AckRoundTrips = append(out.AckRoundTrips, time.Millisecond)
		out.Wire = append(out.Wire, []byte{byte(i)})
	}
	return out, nil
}

func (f *fakeChunker) ChunkReply(msg []byte, l lane.Lane, surbs []sphinxiface.SURB) (*chunking.Chunked, error) {
	if len(msg) == 0 {
		return nil, chunking.ErrEmptyMessage
	}
	n := f.fragmentCount(msg)
	if n > len(surbs) {
		return nil, chunking.ErrSURBExhausted
	}
	f.mu.Lock()
	f.replySURBs = append(f.replySURBs, surbs)
	f.mu.Unlock()

	out := &chunking.Chunked{}
	for i := 0; i < n; i++ {
		out.Fragments = append(out.Fragments, &chunking.PreparedPacket{
			FragID: chunking.FragmentIdentifier{SetID: 2, Total: uint8(n), Index: uint8(i), IsReply: true},
			Lane:   l,
		})
		out.Wire = append(out.Wire, []byte{byte(i)})
	}
	return out, nil
}

func (f *fakeChunker) ReplyFragmentCount(msg []byte) (int, error) {
	if len(msg) == 0 {
		return 0, chunking.ErrEmptyMessage
	}
	return f.fragmentCount(msg), nil
}

type event struct {
	kind   string // "register" or "enqueue"
	fragID chunking.FragmentIdentifier
	lane   lane.Lane
}

// recorder captures the interleaving of Register and Enqueue calls so
// tests can assert the insert-before-emit ordering guarantee.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Register(fragment *chunking.PreparedPacket, _ time.Duration, _, _ sphinxiface.Destination, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "register", fragID: fragment.FragID})
}

func (r *recorder) Enqueue(pkt *chunking.PreparedPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "enqueue", fragID: pkt.FragID, lane: pkt.Lane})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func newRunningQueue(t *testing.T, chunker Replier, rec *recorder, surbs *surb.Manager) *InputQueue {
	t.Helper()
	q := New(chunker, rec, rec, surbs, sphinxiface.Destination{}, 0, 5, testLogger(t))
	root := shutdown.NewRoot()
	tok := root.Child()
	go q.Run(tok)
	t.Cleanup(func() {
		root.Cancel()
		tok.Wait(time.Second)
	})
	return q
}

func tagFor(b byte) chunking.AnonymousSenderTag {
	var tag chunking.AnonymousSenderTag
	tag[0] = b
	return tag
}

func surbsNamed(n int) []sphinxiface.SURB {
	out := make([]sphinxiface.SURB, n)
	for i := range out {
		out[i] = sphinxiface.SURB{Header: []byte(fmt.Sprintf("surb-%02d", i))}
	}
	return out
}

func TestSendRegularRegistersBeforeEnqueue(t *testing.T) {
	chunker := &fakeChunker{fragSize: 4}
	rec := &recorder{}
	q := newRunningQueue(t, chunker, rec, surb.NewManager(0, 0, testLogger(t)))

	require.NoError(t, q.SendRegular(context.Background(), sphinxiface.Destination{}, []byte("twelve bytes"), lane.GeneralLane))

	events := rec.snapshot()
	require.Len(t, events, 6) // 3 fragments, each registered then enqueued
	for i := 0; i < len(events); i += 2 {
		require.Equal(t, "register", events[i].kind)
		require.Equal(t, "enqueue", events[i+1].kind)
		require.Equal(t, events[i].fragID, events[i+1].fragID)
	}
}

func TestSendRegularSurfacesChunkError(t *testing.T) {
	chunker := &fakeChunker{fragSize: 4}
	rec := &recorder{}
	q := newRunningQueue(t, chunker, rec, surb.NewManager(0, 0, testLogger(t)))

	err := q.SendRegular(context.Background(), sphinxiface.Destination{}, nil, lane.GeneralLane)
	require.ErrorIs(t, err, chunking.ErrEmptyMessage)
	require.Empty(t, rec.snapshot())
}

func TestSendAnonymousMintsTagWhenZero(t *testing.T) {
	chunker := &fakeChunker{fragSize: 64}
	rec := &recorder{}
	q := newRunningQueue(t, chunker, rec, surb.NewManager(0, 0, testLogger(t)))

	tag, err := q.SendAnonymous(context.Background(), sphinxiface.Destination{}, []byte("hi"), 3, chunking.AnonymousSenderTag{}, lane.GeneralLane)
	require.NoError(t, err)
	require.NotEqual(t, chunking.AnonymousSenderTag{}, tag)

	// A caller-supplied tag is used as-is.
	again, err := q.SendAnonymous(context.Background(), sphinxiface.Destination{}, []byte("hi"), 0, tag, lane.GeneralLane)
	require.NoError(t, err)
	require.Equal(t, tag, again)
}

func TestSendReplyConsumesFIFOWithoutTopUpAboveThreshold(t *testing.T) {
	chunker := &fakeChunker{fragSize: 64}
	rec := &recorder{}
	surbs := surb.NewManager(2, 0, testLogger(t))
	q := newRunningQueue(t, chunker, rec, surbs)

	tag := tagFor(1)
	surbs.Add(tag, surbsNamed(5))

	require.NoError(t, q.SendReply(context.Background(), tag, []byte("a reply"), lane.GeneralLane))

	require.Equal(t, 4, surbs.Count(tag), "one SURB spent, none reserved for top-up")
	require.Len(t, chunker.replySURBs, 1)
	require.Equal(t, []byte("surb-00"), chunker.replySURBs[0][0].Header, "oldest SURB must be spent first")

	for _, e := range rec.snapshot() {
		require.NotEqual(t, lane.ReplySurbRequestLane, e.lane, "no top-up request expected above threshold")
	}
}

func TestSendReplyRequestsTopUpBelowThresholdExactlyOnce(t *testing.T) {
	chunker := &fakeChunker{fragSize: 64}
	rec := &recorder{}
	surbs := surb.NewManager(3, 0, testLogger(t))
	q := newRunningQueue(t, chunker, rec, surbs)

	tag := tagFor(2)
	surbs.Add(tag, surbsNamed(5))

	// The first two replies leave the bucket at 4 and then exactly at the
	// threshold of 3; neither fires a request.
	require.NoError(t, q.SendReply(context.Background(), tag, []byte("one"), lane.GeneralLane))
	require.NoError(t, q.SendReply(context.Background(), tag, []byte("two"), lane.GeneralLane))
	for _, e := range rec.snapshot() {
		require.NotEqual(t, lane.ReplySurbRequestLane, e.lane, "no top-up request at or above threshold")
	}

	// The third reply drops the bucket below the threshold: the queue spends
	// one more reserved SURB on an AdditionalReplySurbs request.
	require.NoError(t, q.SendReply(context.Background(), tag, []byte("three"), lane.GeneralLane))

	topUps := 0
	for _, e := range rec.snapshot() {
		if e.lane == lane.ReplySurbRequestLane {
			topUps++
		}
	}
	require.Equal(t, 1, topUps, "exactly one top-up request fragment expected")
	require.Equal(t, 1, surbs.Count(tag), "three replies plus one reserved top-up SURB spent")

	// A fourth reply below threshold must not fire a duplicate request while
	// the first is still pending.
	require.NoError(t, q.SendReply(context.Background(), tag, []byte("four"), lane.GeneralLane))
	topUps = 0
	for _, e := range rec.snapshot() {
		if e.lane == lane.ReplySurbRequestLane {
			topUps++
		}
	}
	require.Equal(t, 1, topUps, "pending top-up must suppress duplicates")
}

func TestSendReplyFailsWhenBucketExhausted(t *testing.T) {
	chunker := &fakeChunker{fragSize: 64}
	rec := &recorder{}
	surbs := surb.NewManager(2, 0, testLogger(t))
	q := newRunningQueue(t, chunker, rec, surbs)

	err := q.SendReply(context.Background(), tagFor(3), []byte("no surbs for this"), lane.GeneralLane)
	require.ErrorIs(t, err, chunking.ErrSURBExhausted)
	require.Empty(t, rec.snapshot())
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	chunker := &fakeChunker{fragSize: 64}
	rec := &recorder{}
	// Deliberately not running the queue: submissions can only ever park.
	q := New(chunker, rec, rec, surb.NewManager(0, 0, testLogger(t)), sphinxiface.Destination{}, 1, 0, testLogger(t))

	// Fill the single-slot channel, then verify the next send honours ctx.
	require.NoError(t, q.submit(context.Background(), &request{kind: kindRegular, resultCh: make(chan sendResult, 1)}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.SendRegular(ctx, sphinxiface.Destination{}, []byte("blocked"), lane.GeneralLane)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
