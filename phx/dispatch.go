package phx

import "sync"

// dispatchItem is one inbound envelope bound for a channel's bindings.
type dispatchItem struct {
	channel  *Channel
	envelope *Envelope
}

// _DispatchQueue is an unbounded FIFO ring of inbound events. The socket's
// read loop enqueues without blocking; a single dispatcher goroutine
// drains it, so slow subscribers never stall frame processing while
// arrival order is preserved.
type _DispatchQueue struct {
	capacity uint64
	length   uint64
	first    uint64
	last     uint64
	ring     []dispatchItem
	closed   bool

	lock       sync.Mutex
	notEmptyCh chan struct{}
}

func newDispatchQueue(initialSize uint64) *_DispatchQueue {
	if initialSize == 0 {
		initialSize = 64
	}
	return &_DispatchQueue{
		capacity:   initialSize,
		ring:       make([]dispatchItem, initialSize),
		notEmptyCh: make(chan struct{}),
	}
}

func (queue *_DispatchQueue) notifyNotEmptyLocked() {
	close(queue.notEmptyCh)
	queue.notEmptyCh = make(chan struct{})
}

func (queue *_DispatchQueue) enqueue(item dispatchItem) {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	if queue.closed {
		return
	}

	if queue.capacity == queue.length {
		queue.resize()
	}

	if queue.length != 0 {
		queue.last = (queue.last + 1) % queue.capacity
	}
	queue.ring[queue.last] = item
	queue.length++
	queue.notifyNotEmptyLocked()
}

func (queue *_DispatchQueue) dequeueLocked() dispatchItem {
	item := queue.ring[queue.first]
	queue.ring[queue.first] = dispatchItem{}
	queue.length--

	if queue.length > 0 {
		queue.first = (queue.first + 1) % queue.capacity
	} else {
		queue.first = 0
		queue.last = 0
	}

	return item
}

// waitDequeue blocks until an item is available or the queue is closed.
func (queue *_DispatchQueue) waitDequeue() (dispatchItem, bool) {
	for {
		queue.lock.Lock()
		if queue.length > 0 {
			item := queue.dequeueLocked()
			queue.lock.Unlock()
			return item, true
		}
		if queue.closed {
			queue.lock.Unlock()
			return dispatchItem{}, false
		}
		waitCh := queue.notEmptyCh
		queue.lock.Unlock()
		<-waitCh
	}
}

func (queue *_DispatchQueue) close() {
	queue.lock.Lock()
	queue.closed = true
	queue.notifyNotEmptyLocked()
	queue.lock.Unlock()
}

func (queue *_DispatchQueue) resize() {
	newRing := make([]dispatchItem, queue.capacity*2)

	i, j := queue.first, uint64(0)
	for ; j < queue.length; j++ {
		newRing[j] = queue.ring[i]
		i = (i + 1) % queue.capacity
	}

	queue.ring = newRing
	queue.first = 0
	if j > 0 {
		queue.last = j - 1
	} else {
		queue.last = 0
	}

	queue.capacity *= 2
}
