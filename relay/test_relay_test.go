package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// an in-process relay for tests
// every decoded client envelope is passed to `onEnvelope` (if set) and then queued on `received`.
type testRelay struct {
	t      *testing.T
	server *httptest.Server

	upgrader websocket.Upgrader
	// nanoseconds to delay the websocket upgrade, to widen connect races
	upgradeDelay atomic.Int64

	// this many upcoming connections are upgraded and then never read.
	// Pings are not answered on a stalled connection.
	stallConns atomic.Int64
	// keep the connection open after a read error instead of closing it
	holdOpen atomic.Bool

	onEnvelope func(conn *testRelayConn, envelope Envelope)

	connectCount atomic.Int64
	received     chan *testRelayReceived

	mutex sync.Mutex
	conns []*testRelayConn

	done      chan struct{}
	closeOnce sync.Once
}

type testRelayReceived struct {
	conn     *testRelayConn
	envelope Envelope
}

type testRelayConn struct {
	index int
	ws    *websocket.Conn

	writeMutex sync.Mutex
}

func (self *testRelayConn) send(envelope Envelope) error {
	return self.sendRaw(RequireEncodeEnvelope(envelope))
}

func (self *testRelayConn) sendRaw(frame []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, frame)
}

func newTestRelay(t *testing.T, onEnvelope func(conn *testRelayConn, envelope Envelope)) *testRelay {
	relay := &testRelay{
		t:          t,
		onEnvelope: onEnvelope,
		received:   make(chan *testRelayReceived, 4096),
		done:       make(chan struct{}),
	}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(relay.close)
	return relay
}

func (self *testRelay) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testRelay) handle(w http.ResponseWriter, r *http.Request) {
	self.connectCount.Add(1)
	if delay := time.Duration(self.upgradeDelay.Load()); 0 < delay {
		time.Sleep(delay)
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	self.mutex.Lock()
	conn := &testRelayConn{
		index: len(self.conns),
		ws:    ws,
	}
	self.conns = append(self.conns, conn)
	self.mutex.Unlock()

	defer ws.Close()
	if self.takeStall() {
		<-self.done
		return
	}
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if self.holdOpen.Load() {
				<-self.done
			}
			return
		}
		envelope, err := DecodeClientEnvelope(message)
		if err != nil {
			self.t.Errorf("relay received a malformed frame: %s", err)
			continue
		}
		if self.onEnvelope != nil {
			self.onEnvelope(conn, envelope)
		}
		select {
		case self.received <- &testRelayReceived{conn: conn, envelope: envelope}:
		default:
		}
	}
}

func (self *testRelay) takeStall() bool {
	for {
		n := self.stallConns.Load()
		if n <= 0 {
			return false
		}
		if self.stallConns.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (self *testRelay) conn(index int) *testRelayConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if index < len(self.conns) {
		return self.conns[index]
	}
	return nil
}

func (self *testRelay) connCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns)
}

// closes every open connection from the relay side
func (self *testRelay) dropAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, conn := range self.conns {
		conn.ws.Close()
	}
}

func (self *testRelay) close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
	self.dropAll()
	self.server.Close()
}

// the next received envelope, or nil after the timeout
func (self *testRelay) next(timeout time.Duration) *testRelayReceived {
	select {
	case received := <-self.received:
		return received
	case <-time.After(timeout):
		return nil
	}
}

// the next received envelope with the label, skipping others
func (self *testRelay) expect(label string, timeout time.Duration) *testRelayReceived {
	end := time.Now().Add(timeout)
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			self.t.Fatalf("relay did not receive %s", label)
			return nil
		}
		received := self.next(remaining)
		if received != nil && received.envelope.Label() == label {
			return received
		}
	}
}

func testSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.PublishTimeout = 2 * time.Second
	settings.DispatchTimeout = 1 * time.Second
	settings.PingTimeout = 0
	settings.ReadTimeout = 0
	return settings
}

func testMetrics() *ClientMetrics {
	return NewClientMetrics(MetricsConfig{
		Namespace: "test",
		Registry:  prometheus.NewRegistry(),
	})
}

func metricValue(metric prometheus.Metric) float64 {
	m := &dto.Metric{}
	if err := metric.Write(m); err != nil {
		panic(err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}

// polls until the condition holds or the timeout elapses
func waitFor(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func testEvent(id string) *Event {
	return &Event{
		ID:        id,
		PubKey:    "a1b2c3",
		CreatedAt: 1700000000,
		Kind:      KindLongFormContent,
		Tags: Tags{
			{TagTopic, "idea"},
		},
		Content: "an idea",
		Sig:     "f00d",
	}
}
