package client

import (
	"github.com/luma/beacon/protocol"
)

// ackEntry pairs an outbound frame with its completion handle. The
// frame is retained so it can be re-sent, with its original serial,
// after a successful resume.
type ackEntry struct {
	serial int64
	msg    *protocol.ProtocolMessage
	res    *result
}

// ackTracker holds frames that have been sent but not yet terminated
// by an Ack or Nack, in ascending serial order.
//
// The tracker is driven solely by the connection state machine, never
// by the transport, so that failing pending entries on a
// non-resumable reconnect is a single transition effect.
type ackTracker struct {
	limit   int
	entries []*ackEntry
}

func newAckTracker(limit int) *ackTracker {
	return &ackTracker{limit: limit}
}

// add enqueues a sent frame. If the tracker is full the oldest entry
// is failed with ErrQueueOverflow to make room.
func (t *ackTracker) add(serial int64, msg *protocol.ProtocolMessage, res *result) {
	if t.limit > 0 && len(t.entries) >= t.limit {
		oldest := t.entries[0]
		t.entries = t.entries[1:]
		oldest.res.complete(ErrQueueOverflow)
	}

	t.entries = append(t.entries, &ackEntry{serial: serial, msg: msg, res: res})
}

// ack completes every entry with serial in [serial, serial+count).
func (t *ackTracker) ack(serial int64, count int) {
	t.terminate(serial, count, nil)
}

// nack fails every entry with serial in [serial, serial+count).
func (t *ackTracker) nack(serial int64, count int, err error) {
	if err == nil {
		err = ErrDisconnected
	}

	t.terminate(serial, count, err)
}

func (t *ackTracker) terminate(serial int64, count int, err error) {
	if count < 1 {
		count = 1
	}

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.serial >= serial && e.serial < serial+int64(count) {
			e.res.complete(err)
			continue
		}

		kept = append(kept, e)
	}

	t.entries = kept
}

// failAll fails every pending entry and clears the tracker.
func (t *ackTracker) failAll(err error) {
	for _, e := range t.entries {
		e.res.complete(err)
	}

	t.entries = nil
}

// pending returns the unterminated frames in serial order, for resend
// after a resume.
func (t *ackTracker) pending() []*protocol.ProtocolMessage {
	frames := make([]*protocol.ProtocolMessage, 0, len(t.entries))
	for _, e := range t.entries {
		frames = append(frames, e.msg)
	}

	return frames
}

func (t *ackTracker) len() int {
	return len(t.entries)
}

// pendingSend is a publish issued while the connection could not send
// it. It waits, bounded, for the next Connected.
type pendingSend struct {
	msg *protocol.ProtocolMessage
	res *result
}

type pendingQueue struct {
	limit int
	items []pendingSend
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{limit: limit}
}

// add queues a publish. A full queue rejects the newcomer: older
// publishes keep their place so ack ordering still matches publish
// ordering when the queue drains.
func (q *pendingQueue) add(msg *protocol.ProtocolMessage, res *result) error {
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueOverflow
	}

	q.items = append(q.items, pendingSend{msg: msg, res: res})
	return nil
}

// drain empties the queue, returning items in the order they were
// queued.
func (q *pendingQueue) drain() []pendingSend {
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) failAll(err error) {
	for _, item := range q.items {
		item.res.complete(err)
	}

	q.items = nil
}

func (q *pendingQueue) len() int {
	return len(q.items)
}
