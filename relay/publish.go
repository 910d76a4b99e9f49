package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type PublishOutcome int

const (
	// the relay acknowledged with OK true
	PublishAccepted PublishOutcome = iota
	// the relay acknowledged with OK false
	PublishRejected
	// no acknowledgement before the deadline
	PublishTimeout
	// the event never reached the relay, or the connection was lost or closed while waiting
	PublishFailed
)

func (self PublishOutcome) String() string {
	switch self {
	case PublishAccepted:
		return outcomeAccepted
	case PublishRejected:
		return outcomeRejected
	case PublishTimeout:
		return outcomeTimeout
	default:
		return outcomeFailed
	}
}

type PublishResult struct {
	EventId string
	Outcome PublishOutcome
	// the relay message from OK, if any
	Message string
	// set for `PublishTimeout` and `PublishFailed`
	Err error
}

func (self PublishResult) Accepted() bool {
	return self.Outcome == PublishAccepted
}

func (self PublishResult) TimedOut() bool {
	return self.Outcome == PublishTimeout
}

// publish slot states. A slot leaves `slotPending` exactly once.
const (
	slotPending int32 = iota
	slotResolved
	slotExpired
)

// a single-resolution result slot for one outstanding publish
type publishSlot struct {
	eventId  string
	deadline time.Time

	state atomic.Int32
	// closed on the transition out of pending
	done chan struct{}

	// written before `done` is closed
	accepted bool
	message  string
	err      error
}

func newPublishSlot(eventId string, deadline time.Time) *publishSlot {
	return &publishSlot{
		eventId:  eventId,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

func (self *publishSlot) resolve(accepted bool, message string) bool {
	if !self.state.CompareAndSwap(slotPending, slotResolved) {
		return false
	}
	self.accepted = accepted
	self.message = message
	close(self.done)
	return true
}

func (self *publishSlot) expire(err error) bool {
	if !self.state.CompareAndSwap(slotPending, slotExpired) {
		return false
	}
	self.err = err
	close(self.done)
	return true
}

// must be called after `done` is closed
func (self *publishSlot) result() PublishResult {
	result := PublishResult{
		EventId: self.eventId,
	}
	switch self.state.Load() {
	case slotResolved:
		result.Message = self.message
		if self.accepted {
			result.Outcome = PublishAccepted
		} else {
			result.Outcome = PublishRejected
		}
	default:
		result.Err = self.err
		if errors.Is(self.err, ErrPublishTimeout) {
			result.Outcome = PublishTimeout
		} else {
			result.Outcome = PublishFailed
		}
	}
	return result
}

// event id to pending slot
// every slot is removed from the table exactly once, by the call that moves it out of pending.
// State transitions happen under the table mutex so removal and transition are one step.
type pendingPublishTable struct {
	metrics *ClientMetrics

	mutex sync.Mutex
	slots map[string]*publishSlot
}

func newPendingPublishTable(metrics *ClientMetrics) *pendingPublishTable {
	return &pendingPublishTable{
		metrics: metrics,
		slots:   map[string]*publishSlot{},
	}
}

func (self *pendingPublishTable) register(eventId string, deadline time.Time) (*publishSlot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.slots[eventId]; ok {
		return nil, ErrDuplicatePublish
	}
	slot := newPublishSlot(eventId, deadline)
	self.slots[eventId] = slot
	self.metrics.pendingPublishesAdd(1)
	return slot, nil
}

// an acknowledgement for an unknown or already terminal id is a no-op
func (self *pendingPublishTable) resolve(eventId string, accepted bool, message string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	slot, ok := self.slots[eventId]
	if !ok {
		return false
	}
	if !slot.resolve(accepted, message) {
		return false
	}
	delete(self.slots, eventId)
	self.metrics.pendingPublishesAdd(-1)
	return true
}

func (self *pendingPublishTable) fail(slot *publishSlot, err error) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.expireLocked(slot, err)
}

func (self *pendingPublishTable) expireLocked(slot *publishSlot, err error) bool {
	if !slot.expire(err) {
		return false
	}
	if self.slots[slot.eventId] == slot {
		delete(self.slots, slot.eventId)
	}
	self.metrics.pendingPublishesAdd(-1)
	return true
}

func (self *pendingPublishTable) expireAll(err error) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count := 0
	for _, slot := range self.slots {
		if self.expireLocked(slot, err) {
			count += 1
		}
	}
	return count
}

// blocks until the slot is resolved, its deadline elapses, or `ctx` is done
// On elapse the slot expires itself. If a resolution wins the race, the resolution is returned.
func (self *pendingPublishTable) await(ctx context.Context, slot *publishSlot) PublishResult {
	timer := time.NewTimer(time.Until(slot.deadline))
	defer timer.Stop()

	select {
	case <-slot.done:
	case <-timer.C:
		self.fail(slot, ErrPublishTimeout)
	case <-ctx.Done():
		self.fail(slot, ctx.Err())
	}
	<-slot.done
	return slot.result()
}

func (self *pendingPublishTable) len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.slots)
}

func (self *pendingPublishTable) contains(eventId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.slots[eventId]
	return ok
}
