package shareprice

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSubscriptionClosed = errors.New("Subscription closed.")

// A Subscription is a lazy, non-restartable stream of results.
// The owner must call `Close` (or cancel the subscribe context) on every exit path.
// `Events` is closed when the stream ends, and `Err` then holds the reason, if any.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	operation *Operation
	// the `start` payload, resent on every reconnect
	startPayload []byte

	inbox    chan *Result
	events   chan *Result
	complete chan struct{}
	done     chan struct{}

	release func(id string)

	mutex    sync.Mutex
	finished bool
	err      error
}

// not started until `start`, so the owner can register it first
func newSubscription(
	ctx context.Context,
	id string,
	operation *Operation,
	bufferSize int,
	release func(id string),
) *Subscription {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Subscription{
		ctx:       cancelCtx,
		cancel:    cancel,
		id:        id,
		operation: operation,
		inbox:     make(chan *Result, max(bufferSize, 1)),
		events:    make(chan *Result),
		complete:  make(chan struct{}),
		done:      make(chan struct{}),
		release:   release,
	}
}

func (self *Subscription) start() {
	go self.run()
}

func (self *Subscription) run() {
	defer func() {
		self.cancel()
		close(self.events)
		if self.release != nil {
			self.release(self.id)
		}
		close(self.done)
	}()

	forward := func(result *Result) bool {
		select {
		case <-self.ctx.Done():
			return false
		case self.events <- result:
			return true
		}
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case result := <-self.inbox:
			if !forward(result) {
				return
			}
		case <-self.complete:
			// drain what was delivered before the completion
			for {
				select {
				case result := <-self.inbox:
					if !forward(result) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// returns false if the result was dropped
func (self *Subscription) deliver(result *Result, timeout time.Duration) bool {
	var timeoutC <-chan time.Time
	if 0 < timeout {
		timeoutC = time.After(timeout)
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.inbox <- result:
		return true
	case <-timeoutC:
		return false
	}
}

// ends the stream after the delivered results are consumed
func (self *Subscription) finish(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.finished {
		return
	}
	self.finished = true
	self.err = err
	close(self.complete)
}

func (self *Subscription) Id() string {
	return self.id
}

func (self *Subscription) Operation() *Operation {
	return self.operation
}

func (self *Subscription) Events() <-chan *Result {
	return self.events
}

func (self *Subscription) Done() <-chan struct{} {
	return self.done
}

func (self *Subscription) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

// Close releases the subscription and waits for the release to finish.
// Safe to call more than once.
func (self *Subscription) Close() {
	self.cancel()
	<-self.done
}
