// Package buffer implements the pooled, reference-counted byte buffers
// that carry requests, responses, and log entries through the session
// layer. A Buffer owns a byte region with independent read
// and write cursors; Reader and Writer are separate handles that each
// hold a reference, and the underlying memory returns to its pool only
// once every handle has been released.
package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrResourceExhausted is returned by AcquireNonBlocking when the pool
// is at capacity and has no buffer to hand out.
var ErrResourceExhausted = errors.New("buffer: pool exhausted")

// Buffer is a byte region with a reference count. Acquire it from a
// Pool; never construct one directly.
type Buffer struct {
	pool   *Pool
	data   []byte
	length int
	shared bool

	refs atomic.Int32

	// writeMu serializes writers when the buffer is shared; exclusive
	// (non-shared) buffers rely on the caller's own serialization
	// instead.
	writeMu sync.Mutex
}

// Bytes returns the committed (written) portion of the buffer. Callers
// must not retain the slice past Release.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Cap returns the buffer's total capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Len returns the buffer's current committed length.
func (b *Buffer) Len() int {
	return b.length
}

// Shared reports whether the buffer was acquired in shared mode (safe
// for one writer and many concurrent readers).
func (b *Buffer) Shared() bool {
	return b.shared
}

func (b *Buffer) addRef() {
	b.refs.Add(1)
}

// release decrements the refcount; once it reaches zero the buffer is
// reset and returned to its pool. Byte contents are left untouched —
// callers must not rely on residual data after a fresh Acquire.
func (b *Buffer) release() {
	if b.refs.Add(-1) == 0 {
		b.length = 0
		b.pool.put(b)
	}
}

// Release drops the caller's own reference to the buffer (the one
// handed back by Acquire/AcquireNonBlocking). Call it once per
// Acquire, after every Reader/Writer view taken on the buffer has
// already been released.
func (b *Buffer) Release() {
	b.release()
}

// Pool amortizes allocation of Buffers, Readers, and Writers.
type Pool struct {
	bufSize int
	bufs    sync.Pool
	readers sync.Pool
	writers sync.Pool

	// sem bounds the number of buffers concurrently checked out when
	// Capacity > 0; Acquire blocks on it, AcquireNonBlocking fails
	// immediately with ErrResourceExhausted.
	sem chan struct{}
}

// Config controls pool sizing.
type Config struct {
	// BufferSize is the capacity handed to newly allocated buffers.
	BufferSize int
	// Capacity bounds the number of buffers concurrently in use. Zero
	// means unbounded (pool.acquire always succeeds, allocating fresh
	// buffers under contention).
	Capacity int
}

// NewPool creates a Pool per Config.
func NewPool(cfg Config) *Pool {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	p := &Pool{bufSize: cfg.BufferSize}
	p.bufs.New = func() interface{} {
		return &Buffer{pool: p, data: make([]byte, 0, p.bufSize)}
	}
	p.readers.New = func() interface{} { return &Reader{} }
	p.writers.New = func() interface{} { return &Writer{} }
	if cfg.Capacity > 0 {
		p.sem = make(chan struct{}, cfg.Capacity)
		for i := 0; i < cfg.Capacity; i++ {
			p.sem <- struct{}{}
		}
	}
	return p
}

// Acquire returns a buffer with refcount 1, blocking if the pool is at
// capacity until one becomes available.
func (p *Pool) Acquire(shared bool) *Buffer {
	if p.sem != nil {
		<-p.sem
	}
	return p.acquireLocked(shared)
}

// AcquireNonBlocking returns a buffer with refcount 1, or
// ErrResourceExhausted immediately if the pool is at capacity.
func (p *Pool) AcquireNonBlocking(shared bool) (*Buffer, error) {
	if p.sem != nil {
		select {
		case <-p.sem:
		default:
			return nil, ErrResourceExhausted
		}
	}
	return p.acquireLocked(shared), nil
}

func (p *Pool) acquireLocked(shared bool) *Buffer {
	b := p.bufs.Get().(*Buffer)
	b.length = 0
	b.shared = shared
	if cap(b.data) < p.bufSize {
		b.data = make([]byte, 0, p.bufSize)
	}
	b.refs.Store(1)
	return b
}

func (p *Pool) put(b *Buffer) {
	b.data = b.data[:0]
	p.bufs.Put(b)
	if p.sem != nil {
		p.sem <- struct{}{}
	}
}

// grow extends the buffer's committed length by appending p, growing
// the backing array as needed. Only valid for the buffer's sole writer
// (or any writer, if the buffer is Shared and the caller coordinates
// with writeMu via Writer.Write).
func (b *Buffer) grow(p []byte) {
	b.data = append(b.data[:b.length], p...)
	b.length = len(b.data)
}

// Reader is a read-only view over a Buffer; acquiring one increments
// the buffer's refcount.
type Reader struct {
	buf    *Buffer
	cursor int
}

// NewReader returns a pooled Reader view holding a reference on b.
func (p *Pool) NewReader(b *Buffer) *Reader {
	b.addRef()
	r := p.readers.Get().(*Reader)
	r.buf = b
	r.cursor = 0
	return r
}

// Read copies up to len(p) unread bytes into p, advancing the cursor.
// It never reads past the buffer's committed length: no reader
// observes bytes beyond the highest committed write position.
func (r *Reader) Read(p []byte) (int, error) {
	avail := r.buf.Len() - r.cursor
	if avail <= 0 {
		return 0, nil
	}
	n := copy(p, r.buf.Bytes()[r.cursor:])
	r.cursor += n
	return n, nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return r.buf.Len() - r.cursor
}

// Release drops this Reader's reference on its buffer and returns the
// Reader view to its pool.
func (r *Reader) Release(p *Pool) {
	r.buf.release()
	r.buf = nil
	p.readers.Put(r)
}

// Writer is an append-only view over a Buffer; acquiring one
// increments the buffer's refcount.
type Writer struct {
	buf *Buffer
}

// NewWriter returns a pooled Writer view holding a reference on b.
func (p *Pool) NewWriter(b *Buffer) *Writer {
	b.addRef()
	w := p.writers.Get().(*Writer)
	w.buf = b
	return w
}

// Write appends p to the buffer, extending its committed length
// atomically with respect to concurrent readers when the buffer is
// Shared.
func (w *Writer) Write(p []byte) (int, error) {
	if w.buf.shared {
		w.buf.writeMu.Lock()
		defer w.buf.writeMu.Unlock()
	}
	w.buf.grow(p)
	return len(p), nil
}

// Release drops this Writer's reference on its buffer and returns the
// Writer view to its pool.
func (w *Writer) Release(p *Pool) {
	w.buf.release()
	w.buf = nil
	p.writers.Put(w)
}
