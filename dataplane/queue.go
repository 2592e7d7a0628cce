package dataplane

import (
	"context"
	"fmt"
	"sync"
)

// ErrQueueFull the outbound queue has no room for a reliable message
var ErrQueueFull = fmt.Errorf("outbound queue full")

// ErrQueueClosed the outbound queue no longer accepts messages
var ErrQueueClosed = fmt.Errorf("outbound queue closed")

// outboundItem one websocket message waiting to be written
type outboundItem struct {
	messageType int
	payload     []byte
	// droppable items may be discarded in favor of newer ones when the queue is full
	droppable bool
	// closeAfter close the connection once this item is written
	closeAfter bool
}

// outboundQueue bounded per session queue between message producers and the writer pump
type outboundQueue struct {
	lock     sync.Mutex
	items    []outboundItem
	capacity int
	closed   bool
	dropped  int
	notify   chan struct{}
	space    chan struct{}
	done     chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &outboundQueue{
		items:    make([]outboundItem, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// appendLocked add an item. Caller holds the lock and has checked capacity.
func (q *outboundQueue) appendLocked(item outboundItem) {
	q.items = append(q.items, item)
	signal(q.notify)
}

// tryPush enqueue without blocking, failing if the queue is full
func (q *outboundQueue) tryPush(item outboundItem) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.appendLocked(item)
	return nil
}

// offerLatest enqueue a droppable item without blocking. When full the oldest droppable
// item is discarded; if nothing is droppable the new item is discarded instead. Returns
// whether something was dropped.
func (q *outboundQueue) offerLatest(item outboundItem) (bool, error) {
	item.droppable = true
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	if len(q.items) < q.capacity {
		q.appendLocked(item)
		return false, nil
	}
	q.dropped++
	for idx, queued := range q.items {
		if queued.droppable {
			copy(q.items[idx:], q.items[idx+1:])
			q.items[len(q.items)-1] = item
			signal(q.notify)
			return true, nil
		}
	}
	return true, nil
}

// pushWait enqueue, waiting for room until the context expires
func (q *outboundQueue) pushWait(ctxt context.Context, item outboundItem) error {
	for {
		err := q.tryPush(item)
		if err != ErrQueueFull {
			return err
		}
		select {
		case <-q.space:
		case <-q.done:
			return ErrQueueClosed
		case <-ctxt.Done():
			return ctxt.Err()
		}
	}
}

// next dequeue the oldest item without blocking
func (q *outboundQueue) next() (outboundItem, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return outboundItem{}, false
	}
	item := q.items[0]
	q.items[0] = outboundItem{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// reclaim the backing array
		q.items = make([]outboundItem, 0, q.capacity)
	}
	signal(q.space)
	return item, true
}

// length number of queued items
func (q *outboundQueue) length() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// droppedCount number of items discarded by offerLatest
func (q *outboundQueue) droppedCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}

// close stop accepting items and wake every waiter. Safe to call more than once.
func (q *outboundQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
