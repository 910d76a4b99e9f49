package relay

import (
	"net/http"
	"time"
)

const DefaultRelayUrl = "ws://localhost:8080"

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	// fixed delay between a detected connection loss and each reconnect attempt
	ReconnectTimeout time.Duration
	// interval of websocket pings. 0 disables pings.
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	// a connection with no inbound frame or pong in this timeout is considered lost. 0 disables.
	ReadTimeout time.Duration
	// used when `Publish` is called with a non-positive timeout
	PublishTimeout time.Duration

	// events buffered per subscription before dispatch applies backpressure
	SubscriptionBufferSize int
	// time the receiver waits on a full subscription buffer before dropping the event
	DispatchTimeout time.Duration

	// re-send REQ for all registered subscriptions after an automatic reconnect.
	// When false, re-subscription is the caller's responsibility.
	ResubscribeOnReconnect bool

	// extra headers for the websocket handshake
	Header http.Header

	// optional
	Metrics *ClientMetrics
}

func DefaultClientSettings() *ClientSettings {
	pingTimeout := 20 * time.Second
	return &ClientSettings{
		WsHandshakeTimeout:     5 * time.Second,
		ReconnectTimeout:       1 * time.Second,
		PingTimeout:            pingTimeout,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            3 * pingTimeout,
		PublishTimeout:         5 * time.Second,
		SubscriptionBufferSize: 64,
		DispatchTimeout:        15 * time.Second,
	}
}
