package reactor

import (
	"net"
	"sync"
)

// coalesceSize is the capacity of pooled buffers used by WriteContinuous.
const coalesceSize = 16 * 1024

type writeItem struct {
	buf      []byte
	pooled   bool
	inFlight bool
	// closeConn marks the end of the queue: conn is closed instead of
	// written to.
	closeConn bool
	onDone    func()
	onError  func(error)
}

type writeQueue struct {
	items    []*writeItem
	flushing bool
}

// Writer keeps an ordered queue of outbound buffers per connection. Buffers
// are written in submission order and completion callbacks fire in the same
// order on the writer loop. A flushing goroutine exists only while a
// connection has queued data.
type Writer struct {
	loop *Loop

	mu     sync.Mutex
	queues map[net.Conn]*writeQueue

	pool sync.Pool
}

func NewWriter() *Writer {
	w := &Writer{loop: NewLoop("writer"), queues: make(map[net.Conn]*writeQueue)}
	w.pool.New = func() any {
		b := make([]byte, 0, coalesceSize)
		return &b
	}
	return w
}

func (w *Writer) Close() { w.loop.Close() }

// Write queues b for conn and takes ownership of it. onDone, when non-nil,
// runs once b has been fully written. If the write fails, onError runs
// instead and everything still queued for conn is dropped without callbacks.
func (w *Writer) Write(conn net.Conn, b []byte, onDone func(), onError func(error)) {
	w.mu.Lock()
	q := w.queueLocked(conn)
	q.items = append(q.items, &writeItem{buf: b, onDone: onDone, onError: onError})
	w.kickLocked(conn, q)
	w.mu.Unlock()
}

// WriteContinuous copies parts into a pooled buffer and queues it without a
// completion callback. Consecutive calls are coalesced into the tail buffer
// while it has room and has not started flushing.
func (w *Writer) WriteContinuous(conn net.Conn, onError func(error), parts ...[]byte) {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queueLocked(conn)
	if n := len(q.items); n > 0 {
		tail := q.items[n-1]
		if tail.pooled && !tail.inFlight && tail.onDone == nil && cap(tail.buf)-len(tail.buf) >= total {
			for _, p := range parts {
				tail.buf = append(tail.buf, p...)
			}
			return
		}
	}
	item := &writeItem{onError: onError}
	if total <= coalesceSize {
		item.buf = (*w.pool.Get().(*[]byte))[:0]
		item.pooled = true
	} else {
		item.buf = make([]byte, 0, total)
	}
	for _, p := range parts {
		item.buf = append(item.buf, p...)
	}
	q.items = append(q.items, item)
	w.kickLocked(conn, q)
}

// CloseAfterFlush closes conn once every buffer queued before the call has
// been written. A failed write closes it too. Buffers queued afterwards are
// dropped.
func (w *Writer) CloseAfterFlush(conn net.Conn) {
	w.mu.Lock()
	q, ok := w.queues[conn]
	if !ok {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	q.items = append(q.items, &writeItem{closeConn: true})
	w.kickLocked(conn, q)
	w.mu.Unlock()
}

// queued reports how many buffers are queued for conn, including one that
// is being written.
func (w *Writer) queued(conn net.Conn) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.queues[conn]; ok {
		return len(q.items)
	}
	return 0
}

func (w *Writer) queueLocked(conn net.Conn) *writeQueue {
	q, ok := w.queues[conn]
	if !ok {
		q = &writeQueue{}
		w.queues[conn] = q
	}
	return q
}

func (w *Writer) kickLocked(conn net.Conn, q *writeQueue) {
	if q.flushing {
		return
	}
	q.flushing = true
	go w.flush(conn, q)
}

func (w *Writer) flush(conn net.Conn, q *writeQueue) {
	for {
		w.mu.Lock()
		if len(q.items) == 0 {
			q.flushing = false
			if w.queues[conn] == q {
				delete(w.queues, conn)
			}
			w.mu.Unlock()
			return
		}
		item := q.items[0]
		if item.closeConn {
			rest := q.items[1:]
			q.items = nil
			q.flushing = false
			if w.queues[conn] == q {
				delete(w.queues, conn)
			}
			w.mu.Unlock()
			_ = conn.Close()
			for _, it := range rest {
				w.release(it)
			}
			return
		}
		item.inFlight = true
		buf := item.buf
		w.mu.Unlock()

		_, err := conn.Write(buf)

		w.mu.Lock()
		if err != nil {
			dropped := q.items
			q.items = nil
			q.flushing = false
			if w.queues[conn] == q {
				delete(w.queues, conn)
			}
			w.mu.Unlock()
			closeConn := false
			for _, it := range dropped {
				closeConn = closeConn || it.closeConn
				w.release(it)
			}
			if closeConn {
				_ = conn.Close()
			}
			if item.onError != nil {
				w.loop.submitOrFail(func() { item.onError(err) }, item.onError)
			}
			return
		}
		q.items = q.items[1:]
		w.mu.Unlock()
		w.release(item)
		if item.onDone != nil {
			w.loop.submitOrFail(item.onDone, item.onError)
		}
	}
}

func (w *Writer) release(it *writeItem) {
	if !it.pooled {
		return
	}
	b := it.buf[:0]
	it.buf = nil
	w.pool.Put(&b)
}
