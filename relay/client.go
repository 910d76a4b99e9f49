package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// one client holds exactly one connection to one relay endpoint.
// Construct one per application lifecycle and pass it to collaborators.

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	relayUrl string
	settings *ClientSettings
	dialer   *websocket.Dialer

	// capacity 1. Holding the token serializes connect attempts and close.
	connectLock chan struct{}

	stateMutex sync.Mutex
	state      ConnectionState
	ws         *websocket.Conn
	// set while a receiver loop is running
	receiveCancel context.CancelFunc
	receiveDone   chan struct{}

	// serializes all outbound frames
	sendMutex sync.Mutex

	subscriptions    *subscriptionRegistry
	pendingPublishes *pendingPublishTable

	connectAttemptCount atomic.Int64
}

func NewClientWithDefaults(ctx context.Context, relayUrl string) *Client {
	return NewClient(ctx, relayUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, relayUrl string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	return &Client{
		ctx:              cancelCtx,
		cancel:           cancel,
		clientId:         NewId(),
		relayUrl:         relayUrl,
		settings:         settings,
		dialer:           dialer,
		connectLock:      make(chan struct{}, 1),
		state:            Disconnected,
		subscriptions:    newSubscriptionRegistry(cancelCtx, settings),
		pendingPublishes: newPendingPublishTable(settings.Metrics),
	}
}

func (self *Client) ClientId() Id {
	return self.clientId
}

func (self *Client) RelayUrl() string {
	return self.relayUrl
}

func (self *Client) State() ConnectionState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *Client) SubscriptionIds() []string {
	return self.subscriptions.ids()
}

// opens the connection if needed and starts the receiver loop on the first successful open
// Concurrent calls collapse into one attempt; callers that lose the race observe its outcome.
func (self *Client) Connect(ctx context.Context) error {
	return self.connect(ctx)
}

func (self *Client) connect(ctx context.Context) error {
	select {
	case <-self.ctx.Done():
		return ErrClientClosed
	default:
	}

	select {
	case self.connectLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrClientClosed
	}
	defer func() {
		<-self.connectLock
	}()

	self.stateMutex.Lock()
	if self.state == Connected {
		self.stateMutex.Unlock()
		return nil
	}
	self.state = Connecting
	self.stateMutex.Unlock()

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.clientId), func() (*websocket.Conn, error) {
			return self.dial(ctx)
		})
	} else {
		ws, err = self.dial(ctx)
	}
	if err != nil {
		self.stateMutex.Lock()
		self.state = Disconnected
		self.stateMutex.Unlock()
		glog.Infof("[c]%s connect error = %s\n", self.clientId, err)
		return &TransportError{Op: "connect", Err: err}
	}

	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.ws = ws
	self.state = Connected
	if self.receiveCancel == nil {
		receiveCtx, receiveCancel := context.WithCancel(self.ctx)
		receiveDone := make(chan struct{})
		self.receiveCancel = receiveCancel
		self.receiveDone = receiveDone
		go func() {
			defer close(receiveDone)
			self.run(receiveCtx)
		}()
	}
	if 0 < self.settings.PingTimeout {
		go self.ping(ws)
	}
	glog.V(1).Infof("[c]%s connected %s\n", self.clientId, self.relayUrl)
	return nil
}

func (self *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	self.connectAttemptCount.Add(1)
	self.settings.Metrics.connectAttempt()

	// the handshake read is bounded only by the handshake timeout,
	// so the raw connection is closed when `ctx` ends mid dial
	var netConnMutex sync.Mutex
	var netConn net.Conn
	dialer := *self.dialer
	dialer.NetDialContext = func(netCtx context.Context, network string, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(netCtx, network, addr)
		if err != nil {
			return nil, err
		}
		netConnMutex.Lock()
		defer netConnMutex.Unlock()
		netConn = conn
		return conn, nil
	}
	stop := context.AfterFunc(ctx, func() {
		netConnMutex.Lock()
		defer netConnMutex.Unlock()
		if netConn != nil {
			netConn.Close()
		}
	})

	ws, _, err := dialer.DialContext(ctx, self.relayUrl, self.settings.Header)
	if !stop() {
		// canceled during the dial
		if ws != nil {
			ws.Close()
		}
		self.settings.Metrics.connectError()
		return nil, ctx.Err()
	}
	if err != nil {
		self.settings.Metrics.connectError()
		return nil, err
	}
	if 0 < self.settings.ReadTimeout {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})
	}
	return ws, nil
}

// keepalive for one connection. Exits when the connection is replaced or a write fails.
func (self *Client) ping(ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		if self.conn() != ws {
			return
		}
		deadline := time.Now().Add(self.settings.WriteTimeout)
		if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			// the receiver observes the failure on its next read
			glog.V(1).Infof("[c]%s ping error = %s\n", self.clientId, err)
			return
		}
	}
}

func (self *Client) conn() *websocket.Conn {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.ws
}

func (self *Client) isConnected() bool {
	return self.State() == Connected
}

// clears the connection if it is still `ws`
func (self *Client) disconnect(ws *websocket.Conn) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.ws == ws {
		self.ws = nil
		self.state = Disconnected
	}
	ws.Close()
}

// stops the receiver loop and closes the connection
// Pending publishes fail with `ErrClientClosed` and all subscriptions are removed.
// A later `Connect` starts a new connection and receiver loop.
func (self *Client) Close() {
	// cancel the loop first so that a reconnect in progress is abandoned
	// instead of holding the connect lock until its handshake completes
	self.stateMutex.Lock()
	receiveCancel := self.receiveCancel
	self.stateMutex.Unlock()
	if receiveCancel != nil {
		receiveCancel()
	}

	// wait out any in-flight connect attempt
	self.connectLock <- struct{}{}
	defer func() {
		<-self.connectLock
	}()

	self.stateMutex.Lock()
	receiveCancel = self.receiveCancel
	receiveDone := self.receiveDone
	ws := self.ws
	self.receiveCancel = nil
	self.receiveDone = nil
	self.ws = nil
	self.state = Disconnected
	self.stateMutex.Unlock()

	if receiveCancel != nil {
		receiveCancel()
	}
	if ws != nil {
		// aborts a read in progress
		self.writeClose(ws)
		ws.Close()
	}
	if receiveDone != nil {
		<-receiveDone
	}

	if n := self.pendingPublishes.expireAll(&TransportError{Op: "close", Err: ErrClientClosed}); 0 < n {
		glog.V(1).Infof("[c]%s close failed %d pending publishes\n", self.clientId, n)
	}
	self.subscriptions.unregisterAll()
}

// best effort close handshake
func (self *Client) writeClose(ws *websocket.Conn) {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(self.settings.WriteTimeout))
}

// closes the client permanently
func (self *Client) Cancel() {
	self.Close()
	self.cancel()
}

// writes one complete frame
// Frames from concurrent callers are never interleaved.
func (self *Client) send(envelope Envelope) error {
	frame, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	ws := self.conn()
	if ws == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// note that for websocket a deadline timeout cannot be recovered
		// closing lets the receiver loop observe the loss and reconnect
		glog.Infof("[s]%s-> %s error = %s\n", self.clientId, envelope.Label(), err)
		ws.Close()
		return &TransportError{Op: "send", Err: err}
	}
	glog.V(2).Infof("[s]%s-> %s\n", self.clientId, envelope.Label())
	return nil
}

// sends the event and waits for the relay acknowledgement
// A non-positive timeout uses the default publish timeout.
// Every failure is reported in the result; see `PublishOutcome`.
func (self *Client) Publish(ctx context.Context, event *Event, timeout time.Duration) (result PublishResult) {
	defer func() {
		self.settings.Metrics.publishResult(result.Outcome)
		glog.V(1).Infof("[p]%s %s = %s\n", self.clientId, shortId(result.EventId), result.Outcome)
	}()

	if event == nil || event.ID == "" {
		return PublishResult{
			Outcome: PublishFailed,
			Err:     ErrMissingEventId,
		}
	}
	if timeout <= 0 {
		timeout = self.settings.PublishTimeout
	}
	deadline := time.Now().Add(timeout)

	connectCtx, connectCancel := context.WithDeadline(ctx, deadline)
	err := self.connect(connectCtx)
	connectCancel()
	if err != nil {
		return PublishResult{
			EventId: event.ID,
			Outcome: PublishFailed,
			Err:     err,
		}
	}

	slot, err := self.pendingPublishes.register(event.ID, deadline)
	if err != nil {
		return PublishResult{
			EventId: event.ID,
			Outcome: PublishFailed,
			Err:     err,
		}
	}

	if err := self.send(&EventOutEnvelope{Event: event}); err != nil {
		self.pendingPublishes.fail(slot, err)
	}

	result = self.pendingPublishes.await(ctx, slot)
	if result.TimedOut() {
		glog.Infof("[p]%s timeout for event %s\n", self.clientId, shortId(event.ID))
	}
	return result
}

// registers the handler and sends REQ
// Re-subscribing an existing id replaces its filters and handler.
// Events are delivered to the handler in relay order on a per-subscription goroutine.
// When the handler falls behind by more than `SubscriptionBufferSize` events and stays
// behind for `DispatchTimeout`, the event is dropped, logged and counted.
func (self *Client) Subscribe(ctx context.Context, subscriptionId string, filters []Filter, handler EventHandler) error {
	if subscriptionId == "" {
		return fmt.Errorf("Subscription id cannot be empty.")
	}
	if handler == nil {
		return fmt.Errorf("Subscription handler cannot be nil.")
	}
	if err := self.connect(ctx); err != nil {
		return err
	}
	req := self.subscriptions.register(subscriptionId, filters, handler)
	glog.V(1).Infof("[sub]%s subscribe %s\n", self.clientId, subscriptionId)
	return self.send(req)
}

// removes the registration and sends CLOSE if connected
func (self *Client) Unsubscribe(subscriptionId string) error {
	self.subscriptions.unregister(subscriptionId)
	glog.V(1).Infof("[sub]%s unsubscribe %s\n", self.clientId, subscriptionId)
	if !self.isConnected() {
		return nil
	}
	return self.send(&CloseEnvelope{SubscriptionId: subscriptionId})
}
