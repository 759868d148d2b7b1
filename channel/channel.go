package channel

import (
	"context"
	"sync"

	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/runtime/options"
)

// ErrClosed is returned when elements are put into a closed Channel.
var ErrClosed = ierrors.New("channel is closed")

// region Channel //////////////////////////////////////////////////////////////////////////////////////////////////////

// Channel is a thread-safe FIFO hand-off between producers and consumers with an optional capacity bound.
//
// Producers block in Put while the buffer is at capacity, consumers block in Take while it is empty; both waits can
// be aborted through the given context. Elements are delivered in exactly the order they were accepted.
//
// A Channel is closed at most once. Close wakes all blocked producers (which fail with ErrClosed) while consumers
// keep draining the remaining buffered elements before Take reports end-of-stream.
type Channel[T any] struct {
	// ringBuffer holds the buffered elements.
	ringBuffer []T

	// read is the index of the oldest buffered element.
	read int

	// write is the index the next element is stored at.
	write int

	// size is the current number of buffered elements.
	size int

	// capacity is the maximum number of buffered elements (0 means unbounded).
	capacity int

	// closed is set when the Channel was closed.
	closed bool

	mutex          sync.Mutex
	spaceAvailable *sync.Cond
	itemAvailable  *sync.Cond
}

// New creates a new Channel. Unless WithCapacity is given, the Channel buffers an unbounded number of elements.
func New[T any](opts ...options.Option[Channel[T]]) (c *Channel[T]) {
	c = options.Apply(new(Channel[T]), opts)
	c.spaceAvailable = sync.NewCond(&c.mutex)
	c.itemAvailable = sync.NewCond(&c.mutex)

	if c.capacity > 0 {
		c.ringBuffer = make([]T, c.capacity)
	}

	return c
}

// Put appends the given element to the buffer, blocking while the buffer is at capacity.
//
// It returns ErrClosed if the Channel is closed (before or while waiting) and the wrapped context error if ctx is
// canceled or its deadline expires while waiting for space. In both failure cases the buffer is left untouched.
func (c *Channel[T]) Put(ctx context.Context, element T) (err error) {
	stopWakeup := context.AfterFunc(ctx, func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		c.spaceAvailable.Broadcast()
	})
	defer stopWakeup()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for {
		if c.closed {
			return ErrClosed
		}

		if err = ctx.Err(); err != nil {
			// pass a potentially consumed wakeup on to the next waiting producer.
			c.spaceAvailable.Signal()

			return ierrors.Wrap(err, "channel put aborted")
		}

		if c.capacity == 0 || c.size < c.capacity {
			break
		}

		c.spaceAvailable.Wait()
	}

	c.push(element)
	c.itemAvailable.Signal()

	return nil
}

// Offer is the non-blocking variant of Put: if the buffer is at capacity it drops the element and returns false
// instead of waiting for space.
func (c *Channel[T]) Offer(element T) (accepted bool, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	if c.capacity != 0 && c.size == c.capacity {
		return false, nil
	}

	c.push(element)
	c.itemAvailable.Signal()

	return true, nil
}

// Take removes and returns the oldest buffered element, blocking while the buffer is empty and the Channel is open.
//
// The second return value distinguishes a delivered element from the end of the stream: once the Channel is closed
// and the buffer is drained, Take returns the zero value with valid set to false and a nil error. A canceled or
// expired context surfaces as the wrapped context error.
func (c *Channel[T]) Take(ctx context.Context) (element T, valid bool, err error) {
	stopWakeup := context.AfterFunc(ctx, func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		c.itemAvailable.Broadcast()
	})
	defer stopWakeup()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for c.size == 0 {
		if c.closed {
			return element, false, nil
		}

		if err = ctx.Err(); err != nil {
			c.itemAvailable.Signal()

			return element, false, ierrors.Wrap(err, "channel take aborted")
		}

		c.itemAvailable.Wait()
	}

	element = c.pop()
	c.spaceAvailable.Signal()

	return element, true, nil
}

// Poll is the non-blocking variant of Take: it returns immediately with valid set to false when the buffer is empty.
func (c *Channel[T]) Poll() (element T, valid bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.size == 0 {
		return element, false
	}

	element = c.pop()
	c.spaceAvailable.Signal()

	return element, true
}

// Close marks the Channel as accepting no further elements. It is idempotent.
//
// Blocked producers are woken and fail with ErrClosed; blocked consumers are woken and drain the remaining buffered
// elements before observing the end of the stream.
func (c *Channel[T]) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	c.spaceAvailable.Broadcast()
	c.itemAvailable.Broadcast()
}

// IsClosed returns true if the Channel was closed.
func (c *Channel[T]) IsClosed() (isClosed bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.closed
}

// Len returns the current number of buffered elements.
func (c *Channel[T]) Len() (size int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.size
}

// Cap returns the capacity bound of the Channel (0 means unbounded).
func (c *Channel[T]) Cap() (capacity int) {
	return c.capacity
}

// push appends the given element to the tail of the ring buffer, growing it if the Channel is unbounded.
func (c *Channel[T]) push(element T) {
	if c.size == len(c.ringBuffer) {
		c.grow()
	}

	c.ringBuffer[c.write] = element
	c.write = (c.write + 1) % len(c.ringBuffer)
	c.size++
}

// pop removes and returns the element at the head of the ring buffer.
func (c *Channel[T]) pop() (element T) {
	element = c.ringBuffer[c.read]

	var emptyElement T
	c.ringBuffer[c.read] = emptyElement
	c.read = (c.read + 1) % len(c.ringBuffer)
	c.size--

	return element
}

// grow doubles the storage of an unbounded ring buffer, preserving the FIFO order of the buffered elements.
func (c *Channel[T]) grow() {
	grownBuffer := make([]T, max(2*len(c.ringBuffer), 1))
	for i := 0; i < c.size; i++ {
		grownBuffer[i] = c.ringBuffer[(c.read+i)%len(c.ringBuffer)]
	}

	c.ringBuffer = grownBuffer
	c.read = 0
	c.write = c.size
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////

// region Options //////////////////////////////////////////////////////////////////////////////////////////////////////

// WithCapacity bounds the number of buffered elements, making producers block once the bound is reached.
func WithCapacity[T any](capacity int) options.Option[Channel[T]] {
	return func(c *Channel[T]) {
		c.capacity = capacity
	}
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////
