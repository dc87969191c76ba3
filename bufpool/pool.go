package bufpool

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/vectral/conductor/id"
)

// minClassBytes is the smallest size class. Requests below it share one
// bucket.
const minClassBytes = 64 * 1024

// Pool errors.
var (
	// ErrInvalidDimensions is returned for non-positive width or height.
	ErrInvalidDimensions = errors.New("bufpool: invalid buffer dimensions")
	// ErrNotAllocated is returned when releasing a buffer the pool does
	// not currently consider in use.
	ErrNotAllocated = errors.New("bufpool: buffer is not allocated")
)

// Layout is the channel layout of a pixel buffer.
type Layout string

const (
	// LayoutGray is single-channel grayscale.
	LayoutGray Layout = "gray"
	// LayoutRGB is three-channel color.
	LayoutRGB Layout = "rgb"
	// LayoutRGBA is four-channel color with alpha.
	LayoutRGBA Layout = "rgba"
)

// Channels returns the bytes per pixel for the layout.
func (l Layout) Channels() int {
	switch l {
	case LayoutGray:
		return 1
	case LayoutRGB:
		return 3
	default:
		return 4
	}
}

// Buffer is a pooled pixel buffer. Data is sized to the most recent
// request; its capacity is the size class and never shrinks.
type Buffer struct {
	ID     id.BufferID
	Width  int
	Height int
	Layout Layout
	Data   []byte

	class    int
	inUse    bool
	lastUsed time.Time
}

// ByteLen returns the length of the pixel data for the current request.
func (b *Buffer) ByteLen() int { return len(b.Data) }

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	InUse      int
	Free       int
	TotalBytes int64
	Hits       uint64
	Misses     uint64
}

// PressureHook is invoked (outside the pool lock) whenever a fresh
// allocation pushes retained bytes past the configured soft limit.
type PressureHook func(Stats)

// Pool reuses pixel buffers by size class. Safe for concurrent use.
type Pool struct {
	logger    *slog.Logger
	softLimit int64
	pressure  PressureHook

	mu         sync.Mutex
	free       map[int][]*Buffer // size class → free list
	inUse      map[string]*Buffer
	totalBytes int64
	hits       uint64
	misses     uint64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithSoftLimit sets the retained-bytes threshold above which the
// pressure hook fires. Zero disables pressure reporting.
func WithSoftLimit(bytes int64) PoolOption {
	return func(p *Pool) { p.softLimit = bytes }
}

// WithPressureHook sets the hook receiving pressure notifications.
func WithPressureHook(h PressureHook) PoolOption {
	return func(p *Pool) { p.pressure = h }
}

// NewPool creates an empty Pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger: logger,
		free:   make(map[int][]*Buffer),
		inUse:  make(map[string]*Buffer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allocate returns a buffer covering width×height pixels in the given
// layout, reusing a free buffer whose size class covers the request when
// one exists. The buffer is exclusively owned until Release.
func (p *Pool) Allocate(width, height int, layout Layout) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}

	byteLen := width * height * layout.Channels()
	class := sizeClass(byteLen)

	p.mu.Lock()

	buf := p.takeFree(class)
	if buf != nil {
		p.hits++
		buf.Width = width
		buf.Height = height
		buf.Layout = layout
		buf.Data = buf.Data[:byteLen]
		buf.inUse = true
		p.inUse[buf.ID.String()] = buf
		p.mu.Unlock()
		return buf, nil
	}

	p.misses++
	buf = &Buffer{
		ID:     id.NewBufferID(),
		Width:  width,
		Height: height,
		Layout: layout,
		Data:   make([]byte, byteLen, class),
		class:  class,
		inUse:  true,
	}
	p.inUse[buf.ID.String()] = buf
	p.totalBytes += int64(class)

	overLimit := p.softLimit > 0 && p.totalBytes > p.softLimit
	stats := p.statsLocked()
	p.mu.Unlock()

	if overLimit && p.pressure != nil {
		p.pressure(stats)
	}

	return buf, nil
}

// Release returns a buffer to the pool without zeroing or shrinking it.
// Releasing a buffer that is not currently allocated is an error.
func (p *Pool) Release(buf *Buffer) error {
	if buf == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := buf.ID.String()
	if _, ok := p.inUse[key]; !ok || !buf.inUse {
		return fmt.Errorf("%w: %s", ErrNotAllocated, key)
	}

	delete(p.inUse, key)
	buf.inUse = false
	buf.lastUsed = time.Now()
	p.free[buf.class] = append(p.free[buf.class], buf)
	return nil
}

// EvictIdle removes free buffers unused for longer than maxAge and
// returns how many were evicted.
func (p *Pool) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	evicted := 0

	p.mu.Lock()
	for class, list := range p.free {
		kept := list[:0]
		for _, buf := range list {
			if buf.lastUsed.Before(cutoff) {
				p.totalBytes -= int64(buf.class)
				evicted++
				continue
			}
			kept = append(kept, buf)
		}
		if len(kept) == 0 {
			delete(p.free, class)
		} else {
			p.free[class] = kept
		}
	}
	p.mu.Unlock()

	if evicted > 0 {
		p.logger.Debug("evicted idle buffers", slog.Int("count", evicted))
	}
	return evicted
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	free := 0
	for _, list := range p.free {
		free += len(list)
	}
	return Stats{
		InUse:      len(p.inUse),
		Free:       free,
		TotalBytes: p.totalBytes,
		Hits:       p.hits,
		Misses:     p.misses,
	}
}

// takeFree pops a free buffer from the smallest class covering the
// request. Caller holds p.mu.
func (p *Pool) takeFree(class int) *Buffer {
	for c := class; c > 0; c <<= 1 {
		list := p.free[c]
		if len(list) == 0 {
			continue
		}
		buf := list[len(list)-1]
		p.free[c] = list[:len(list)-1]
		if len(p.free[c]) == 0 {
			delete(p.free, c)
		}
		return buf
	}
	return nil
}

// sizeClass returns the power-of-two bucket covering n bytes.
func sizeClass(n int) int {
	if n <= minClassBytes {
		return minClassBytes
	}
	return 1 << bits.Len(uint(n-1))
}
