package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// receives events for one subscription
// Handlers run on the subscription's delivery goroutine, never on the receiver loop.
// Calls for one subscription are sequential and in relay order.
// A returned error or a panic is logged and does not affect other events or subscriptions.
type EventHandler interface {
	HandleEvent(subscriptionId string, event *Event) error
}

type EventHandlerFunc func(subscriptionId string, event *Event) error

func (self EventHandlerFunc) HandleEvent(subscriptionId string, event *Event) error {
	return self(subscriptionId, event)
}

// optionally implemented by an `EventHandler` to observe the end of stored events.
// Called in order with the events of the subscription.
type EoseHandler interface {
	HandleEose(subscriptionId string)
}

// event drop reasons
const (
	dropUnknownSubscription = "unknown_subscription"
	dropBackpressure        = "backpressure"
	dropUnsubscribed        = "unsubscribed"
)

type delivery struct {
	event *Event
	eose  bool
}

type subscription struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	metrics *ClientMetrics
	log     LogFunction

	mutex   sync.Mutex
	filters []Filter
	handler EventHandler

	deliveries chan delivery
}

func newSubscription(
	ctx context.Context,
	id string,
	filters []Filter,
	handler EventHandler,
	bufferSize int,
	metrics *ClientMetrics,
) *subscription {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &subscription{
		id:         id,
		ctx:        cancelCtx,
		cancel:     cancel,
		metrics:    metrics,
		log:        LogFn(LogLevelDebug, fmt.Sprintf("[sub]%s", id)),
		filters:    slices.Clone(filters),
		handler:    handler,
		deliveries: make(chan delivery, bufferSize),
	}
}

// last write wins. Filters are replaced, not merged.
func (self *subscription) update(filters []Filter, handler EventHandler) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.filters = slices.Clone(filters)
	self.handler = handler
}

func (self *subscription) currentHandler() EventHandler {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.handler
}

func (self *subscription) request() *ReqEnvelope {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return &ReqEnvelope{
		SubscriptionId: self.id,
		Filters:        slices.Clone(self.filters),
	}
}

func (self *subscription) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case d := <-self.deliveries:
			self.deliver(d)
		}
	}
}

func (self *subscription) deliver(d delivery) {
	handler := self.currentHandler()
	if handler == nil {
		return
	}

	var err error
	HandleError(func() {
		if d.eose {
			if eoseHandler, ok := handler.(EoseHandler); ok {
				eoseHandler.HandleEose(self.id)
			}
		} else {
			self.metrics.eventDispatched()
			self.log("<-%s", describeEvent(d.event))
			err = handler.HandleEvent(self.id, d.event)
		}
	}, func(panicErr error) {
		err = panicErr
	})

	if err != nil {
		handlerErr := &HandlerError{
			SubscriptionId: self.id,
			Err:            err,
		}
		glog.Infof("[sub]%s\n", handlerErr)
		self.metrics.handlerError()
	}
}

// subscription id to handler
// Registration happens on caller goroutines; dispatch happens on the receiver loop.
type subscriptionRegistry struct {
	ctx      context.Context
	settings *ClientSettings

	mutex         sync.Mutex
	subscriptions map[string]*subscription
}

func newSubscriptionRegistry(ctx context.Context, settings *ClientSettings) *subscriptionRegistry {
	return &subscriptionRegistry{
		ctx:           ctx,
		settings:      settings,
		subscriptions: map[string]*subscription{},
	}
}

// stores or overwrites the subscription and returns the REQ to send
func (self *subscriptionRegistry) register(id string, filters []Filter, handler EventHandler) *ReqEnvelope {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if sub, ok := self.subscriptions[id]; ok {
		sub.update(filters, handler)
		return sub.request()
	}

	bufferSize := self.settings.SubscriptionBufferSize
	if bufferSize < 0 {
		bufferSize = 0
	}
	sub := newSubscription(self.ctx, id, filters, handler, bufferSize, self.settings.Metrics)
	self.subscriptions[id] = sub
	go sub.run()
	self.settings.Metrics.subscriptionsSet(len(self.subscriptions))
	return sub.request()
}

// removes the subscription and stops its delivery
// Events already queued for the subscription are dropped.
func (self *subscriptionRegistry) unregister(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sub, ok := self.subscriptions[id]
	if !ok {
		return false
	}
	delete(self.subscriptions, id)
	sub.cancel()
	self.settings.Metrics.subscriptionsSet(len(self.subscriptions))
	return true
}

func (self *subscriptionRegistry) unregisterAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for id, sub := range self.subscriptions {
		delete(self.subscriptions, id)
		sub.cancel()
	}
	self.settings.Metrics.subscriptionsSet(0)
}

func (self *subscriptionRegistry) get(id string) (*subscription, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	sub, ok := self.subscriptions[id]
	return sub, ok
}

// queues the event for the subscription's handler
// An event for an unknown subscription (a race with unregister, or a stale relay message) is dropped.
// Returns false if the event was dropped.
func (self *subscriptionRegistry) dispatch(ctx context.Context, id string, event *Event) bool {
	sub, ok := self.get(id)
	if !ok {
		glog.V(1).Infof("[sub]%s drop %s (unknown subscription)\n", id, describeEvent(event))
		self.settings.Metrics.eventDropped(dropUnknownSubscription)
		return false
	}
	return self.enqueue(ctx, sub, delivery{event: event})
}

func (self *subscriptionRegistry) eose(ctx context.Context, id string) bool {
	sub, ok := self.get(id)
	if !ok {
		return false
	}
	return self.enqueue(ctx, sub, delivery{eose: true})
}

func (self *subscriptionRegistry) enqueue(ctx context.Context, sub *subscription, d delivery) bool {
	select {
	case sub.deliveries <- d:
		return true
	default:
	}

	// full buffer. Wait for the handler to catch up, then drop.
	timer := time.NewTimer(self.settings.DispatchTimeout)
	defer timer.Stop()
	select {
	case sub.deliveries <- d:
		return true
	case <-sub.ctx.Done():
		self.settings.Metrics.eventDropped(dropUnsubscribed)
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		if !d.eose {
			glog.Infof("[sub]%s drop %s (backpressure)\n", sub.id, describeEvent(d.event))
		}
		self.settings.Metrics.eventDropped(dropBackpressure)
		return false
	}
}

// sorted
func (self *subscriptionRegistry) ids() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ids := make([]string, 0, len(self.subscriptions))
	for id := range self.subscriptions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// REQ envelopes for all registered subscriptions, in id order
func (self *subscriptionRegistry) requests() []*ReqEnvelope {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	reqs := make([]*ReqEnvelope, 0, len(self.subscriptions))
	for _, sub := range self.subscriptions {
		reqs = append(reqs, sub.request())
	}
	slices.SortFunc(reqs, func(a *ReqEnvelope, b *ReqEnvelope) int {
		if a.SubscriptionId < b.SubscriptionId {
			return -1
		} else if b.SubscriptionId < a.SubscriptionId {
			return 1
		} else {
			return 0
		}
	})
	return reqs
}
