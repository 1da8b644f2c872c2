// Package router maps orchestration instances to in-flight turn
// channels so messages arriving while an instance is dispatched can be
// conveyed to the session that owns it instead of spawning a second
// work item.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// ErrClosed is returned when reading from or writing to a disposed
// dispatcher.
var ErrClosed = errors.New("dispatcher is closed")

// Router maps instanceID to its registered dispatcher. At most one
// dispatcher exists per instance; registration fails while one is live.
type Router struct {
	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
	log         *logger.Logger
}

// New builds an empty router.
func New(log *logger.Logger) *Router {
	return &Router{
		dispatchers: make(map[string]*Dispatcher),
		log:         log.WithFields(zap.String("component", "router")),
	}
}

// Deliver writes msg to the instance's dispatcher if one is registered.
// Returns true iff delivered.
func (r *Router) Deliver(instanceID string, msg *v1.WorkMessage) bool {
	r.mu.Lock()
	d := r.dispatchers[instanceID]
	r.mu.Unlock()
	if d == nil {
		return false
	}
	return d.write(msg) == nil
}

// Initialize registers a dispatcher for the instance addressed by
// firstMsg, pre-seeded with it, and returns its reader. Fails when a
// dispatcher is already registered for the instance.
func (r *Router) Initialize(firstMsg *v1.WorkMessage) (*Reader, error) {
	if firstMsg == nil || firstMsg.Message == nil {
		return nil, errors.New("router: nil first message")
	}
	id := firstMsg.Message.Instance.InstanceID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dispatchers[id]; exists {
		return nil, fmt.Errorf("router: instance %q already registered", id)
	}
	d := &Dispatcher{
		router:     r,
		instanceID: id,
		notify:     make(chan struct{}, 1),
	}
	d.buf = append(d.buf, firstMsg)
	r.dispatchers[id] = d
	return &Reader{d: d}, nil
}

// Registered reports whether the instance has a live dispatcher.
func (r *Router) Registered(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dispatchers[instanceID]
	return ok
}

func (r *Router) remove(instanceID string, d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatchers[instanceID] == d {
		delete(r.dispatchers, instanceID)
	}
}

// Dispatcher is an unbounded single-reader channel of WorkMessages.
// Closing it unregisters it from the router.
type Dispatcher struct {
	router     *Router
	instanceID string

	mu     sync.Mutex
	buf    []*v1.WorkMessage
	closed bool
	notify chan struct{}
}

func (d *Dispatcher) write(msg *v1.WorkMessage) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.buf = append(d.buf, msg)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close disposes the dispatcher and removes it from the router. Buffered
// messages remain readable until drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
	d.router.remove(d.instanceID, d)
}

// Reader is the consuming side of a dispatcher.
type Reader struct {
	d *Dispatcher
}

// Read blocks until a message is available, the dispatcher closes with
// an empty buffer (ErrClosed), or ctx is done.
func (r *Reader) Read(ctx context.Context) (*v1.WorkMessage, error) {
	for {
		r.d.mu.Lock()
		if len(r.d.buf) > 0 {
			msg := r.d.buf[0]
			r.d.buf = r.d.buf[1:]
			r.d.mu.Unlock()
			return msg, nil
		}
		closed := r.d.closed
		r.d.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.d.notify:
		}
	}
}

// TryRead returns the next buffered message without blocking.
func (r *Reader) TryRead() (*v1.WorkMessage, bool) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if len(r.d.buf) == 0 {
		return nil, false
	}
	msg := r.d.buf[0]
	r.d.buf = r.d.buf[1:]
	return msg, true
}

// Close disposes the underlying dispatcher.
func (r *Reader) Close() {
	r.d.Close()
}
