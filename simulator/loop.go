// Package simulator provides a virtual-time event loop and simulated
// networks. Pipeline ranks run as goroutines on the loop and communicate
// only through scheduled message delivery, so an entire multi-rank
// training step can execute deterministically inside a single process.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// A Stream is a uni-directional channel of messages delivered through an
// EventLoop. A Stream must only be used with the loop that created it.
type Stream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some Stream.
type Event struct {
	Message interface{}
	Stream  *Stream
}

// A Timer is a single delivery that will happen at a fixed point in the
// virtual future.
type Timer struct {
	time  float64
	event *Event
}

// Time returns the virtual time at which the timer fires. If the loop's
// clock is below this value, the timer has not fired yet.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one goroutine's connection to an EventLoop. Handles must
// not be shared between goroutines.
type Handle struct {
	*EventLoop

	// Set only while the goroutine is polling.
	pollStreams []*Stream
	pollChan    chan<- *Event
}

// Poll blocks until an event arrives on any of the given streams.
func (h *Handle) Poll(streams ...*Stream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule arranges for msg to arrive on stream after the given delay of
// virtual time, and returns the Timer controlling the delivery.
func (h *Handle) Schedule(stream *Stream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("Stream belongs to a different EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		timer = &Timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		}
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a timer. Cancelling a timer that already fired has no
// effect.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
			}
		}
	})
}

// Sleep blocks for the given amount of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop coordinates every goroutine in a simulated system under a
// single virtual clock.
//
// All goroutines that touch the loop must be started through Go(). The
// clock only advances when every active goroutine is polling, so code
// running between polls takes zero virtual time.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running bool
	wakeCh  chan struct{}
}

// NewEventLoop creates an event loop with its clock at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{wakeCh: make(chan struct{}, 1)}
}

// Stream creates a new Stream on the loop.
func (e *EventLoop) Stream() *Stream {
	return &Stream{loop: e}
}

// Go runs f in its own goroutine with a fresh Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
	}()
}

// Run drives the loop until every handle has exited.
//
// It must not be called from more than one goroutine at once. It returns
// an error if the system deadlocks, i.e. every goroutine is polling and
// no timer remains to wake any of them.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.wakeCh {
		if shouldContinue, err := e.advance(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time returns the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify runs f under the loop lock. Use it when f cannot change which
// goroutines are runnable; otherwise use modifyHandles.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes the loop afterwards because f
// may have changed the scheduling state.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.wakeCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// advance fires the next timer, if any goroutine can make progress.
//
// The first return value is false once the loop should stop; the error
// reports a deadlock.
func (e *EventLoop) advance() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// A goroutine is computing in real time; the clock
			// must not move under it.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		// Shuffle so that timers with equal deadlines do not fire in a
		// deterministic order.
		indices := rand.Perm(len(e.timers))

		minTimerIdx := indices[0]
		for _, i := range indices[1:] {
			if e.timers[i].time < e.timers[minTimerIdx].time {
				minTimerIdx = i
			}
		}
		timer := e.timers[minTimerIdx]

		essentials.UnorderedDelete(&e.timers, minTimerIdx)
		e.time = math.Max(e.time, timer.time)
		if e.dispatch(timer.event) {
			return true, nil
		}
	}

	return false, errors.New("deadlock: all goroutines are polling")
}

func (e *EventLoop) dispatch(event *Event) bool {
	// Shuffle so that competing receivers on one stream do not win in a
	// deterministic order.
	indices := rand.Perm(len(e.handles))
	for _, i := range indices {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
