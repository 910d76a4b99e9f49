package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type readOutcome int

const (
	readFrame readOutcome = iota
	// non-data frame, nothing to dispatch
	readSkip
	// the connection is gone. Back off and reconnect.
	readTransportClosed
	// the loop was canceled
	readCancelled
)

// the receiver loop. The only reader of the connection.
// Frames are processed strictly in arrival order. Protocol errors are logged and dropped;
// transport errors trigger a reconnect after a fixed backoff.
func (self *Client) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws := self.conn()
		if ws == nil {
			// the connection was dropped by a failed send or ping
			if !self.reconnect(ctx) {
				return
			}
			continue
		}

		outcome, message, err := self.read(ctx, ws)
		switch outcome {
		case readCancelled:
			return
		case readTransportClosed:
			glog.Infof("[r]%s<- error = %s\n", self.clientId, err)
			self.disconnect(ws)
			if !self.reconnect(ctx) {
				return
			}
		case readSkip:
		case readFrame:
			self.handleFrame(ctx, message)
		}
	}
}

func (self *Client) read(ctx context.Context, ws *websocket.Conn) (readOutcome, []byte, error) {
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return readCancelled, nil, ctx.Err()
		}
		return readTransportClosed, nil, &TransportError{Op: "receive", Err: err}
	}
	if 0 < self.settings.ReadTimeout {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}
	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		return readFrame, message, nil
	default:
		glog.V(2).Infof("[r]other=%d %s<-\n", messageType, self.clientId)
		return readSkip, nil, nil
	}
}

// sleeps one backoff interval per attempt until connected or canceled
func (self *Client) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(self.settings.ReconnectTimeout):
		}

		if err := self.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			glog.Infof("[r]%s reconnect error = %s\n", self.clientId, err)
			continue
		}
		self.settings.Metrics.reconnect()
		glog.Infof("[r]%s reconnected %s\n", self.clientId, self.relayUrl)

		if self.settings.ResubscribeOnReconnect {
			self.resubscribe()
		}
		return true
	}
}

func (self *Client) resubscribe() {
	for _, req := range self.subscriptions.requests() {
		if err := self.send(req); err != nil {
			// the next read fails and the loop reconnects again
			glog.Infof("[r]%s resubscribe %s error = %s\n", self.clientId, req.SubscriptionId, err)
			return
		}
	}
}

func (self *Client) handleFrame(ctx context.Context, message []byte) {
	envelope, err := DecodeRelayEnvelope(message)
	if err != nil {
		glog.Infof("[r]%s<- %s\n", self.clientId, err)
		self.settings.Metrics.protocolError()
		return
	}
	glog.V(2).Infof("[r]%s<- %s\n", self.clientId, envelope.Label())

	switch v := envelope.(type) {
	case *EventInEnvelope:
		self.subscriptions.dispatch(ctx, v.SubscriptionId, v.Event)
	case *OkEnvelope:
		if !self.pendingPublishes.resolve(v.EventId, v.Accepted, v.Message) {
			// duplicate or late acknowledgement
			glog.V(1).Infof("[r]%s<- OK %s (no pending publish)\n", self.clientId, shortId(v.EventId))
		}
	case *EoseEnvelope:
		self.subscriptions.eose(ctx, v.SubscriptionId)
	case *NoticeEnvelope:
		glog.Infof("[r]%s<- notice = %s\n", self.clientId, v.Message)
		self.settings.Metrics.notice()
	}
}
