package framebuf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(n int) Raw {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return Raw{Data: data, Width: 4, Height: 2, Timestamp: time.Unix(100, 0)}
}

func TestAcquire_CopiesBorrowedData(t *testing.T) {
	l := New(Options{Strict: true})
	r := raw(24)

	b := l.Acquire(r)
	r.Data[0] = 0xFF

	assert.Equal(t, byte(0), b.Bytes()[0], "acquire must copy, not alias")
	assert.Equal(t, 24, b.Len())
	assert.Equal(t, 4, b.Width())
	assert.Equal(t, 2, b.Height())
	assert.Equal(t, time.Unix(100, 0), b.Timestamp())
	assert.NotEmpty(t, b.TraceID())
	assert.Equal(t, uint64(1), b.Seq())

	l.Release(b)
}

func TestAcquire_SequenceIsMonotonic(t *testing.T) {
	l := New(Options{Strict: true})
	var last uint64
	for i := 0; i < 10; i++ {
		b := l.Acquire(raw(8))
		assert.Greater(t, b.Seq(), last)
		last = b.Seq()
		l.Release(b)
	}
}

func TestRelease_BalancesAcquire(t *testing.T) {
	l := New(Options{Strict: true})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Release(l.Acquire(raw(64)))
			}
		}()
	}
	wg.Wait()

	s := l.Stats()
	assert.Equal(t, uint64(800), s.Acquired)
	assert.Equal(t, s.Acquired, s.Released)
	assert.Zero(t, s.Outstanding)
	assert.Zero(t, s.Violations)
}

func TestRelease_DoubleReleasePanicsInStrictMode(t *testing.T) {
	l := New(Options{Strict: true})
	b := l.Acquire(raw(8))
	l.Release(b)

	defer func() {
		r := recover()
		require.NotNil(t, r, "double release must panic in strict mode")
		v, ok := r.(*LifecycleViolation)
		require.True(t, ok, "panic value should be *LifecycleViolation, got %T", r)
		assert.Equal(t, "double release", v.Op)
		assert.Equal(t, b.Seq(), v.Seq)
	}()
	l.Release(b)
}

func TestRelease_DoubleReleaseCountedInLenientMode(t *testing.T) {
	l := New(Options{Strict: false})
	b := l.Acquire(raw(8))
	l.Release(b)
	l.Release(b)

	s := l.Stats()
	assert.Equal(t, uint64(1), s.Released, "second release must not be accounted")
	assert.Equal(t, uint64(1), s.Violations)
}

func TestBytes_AfterReleaseIsViolation(t *testing.T) {
	l := New(Options{})
	b := l.Acquire(raw(8))
	l.Release(b)

	assert.Nil(t, b.Bytes())
	assert.True(t, b.Released())
	assert.Equal(t, uint64(1), l.Stats().Violations)
}

func TestRelease_ForeignBufferIsViolation(t *testing.T) {
	a := New(Options{})
	other := New(Options{})
	b := a.Acquire(raw(8))

	other.Release(b)
	assert.Equal(t, uint64(1), other.Stats().Violations)
	assert.False(t, b.Released())

	a.Release(b)
	assert.Zero(t, a.Stats().Outstanding)
}

func TestHooks(t *testing.T) {
	var acquired, released int
	l := New(Options{
		OnAcquire: func(*Buffer) { acquired++ },
		OnRelease: func(*Buffer) { released++ },
	})
	l.Release(l.Acquire(raw(4)))
	l.Release(nil)

	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}
