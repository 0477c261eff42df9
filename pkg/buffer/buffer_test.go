package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireReleaseRoundTrip(t *testing.T) {
	p := NewPool(Config{BufferSize: 16})

	b := p.Acquire(false)
	require.Equal(t, 0, b.Len())

	w := p.NewWriter(b)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(b.Bytes()))

	r := p.NewReader(b)
	out := make([]byte, 5)
	n, err = r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))

	r.Release(p)
	w.Release(p)
	b.release()
}

func TestBuffer_RefcountReleasedExactlyOnce(t *testing.T) {
	p := NewPool(Config{BufferSize: 16})
	b := p.Acquire(true)

	const n = 8
	var handles []*Reader
	for i := 0; i < n; i++ {
		handles = append(handles, p.NewReader(b))
	}

	for _, h := range handles {
		h.Release(p)
	}
	// one more release drops the initial Acquire reference to zero.
	b.release()

	assert.Equal(t, int32(0), b.refs.Load())
}

func TestPool_AcquireNonBlockingExhausted(t *testing.T) {
	p := NewPool(Config{BufferSize: 16, Capacity: 1})

	b, err := p.AcquireNonBlocking(false)
	require.NoError(t, err)

	_, err = p.AcquireNonBlocking(false)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	b.release()

	b2, err := p.AcquireNonBlocking(false)
	require.NoError(t, err)
	b2.release()
}

func TestBuffer_ResetOnReturnDoesNotZeroBytes(t *testing.T) {
	p := NewPool(Config{BufferSize: 16})
	b := p.Acquire(false)
	w := p.NewWriter(b)
	_, _ = w.Write([]byte("abc"))
	w.Release(p)
	b.release()

	b2 := p.Acquire(false)
	assert.Equal(t, 0, b2.Len(), "length must reset even though bytes are not cleared")
}

func TestBuffer_SharedConcurrentWrites(t *testing.T) {
	p := NewPool(Config{BufferSize: 4096})
	b := p.Acquire(true)
	w := p.NewWriter(b)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Write([]byte{1})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, b.Len())
	w.Release(p)
	b.release()
}
