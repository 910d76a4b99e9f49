package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// wire type tags
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelOk     = "OK"
	LabelEose   = "EOSE"
	LabelNotice = "NOTICE"
)

// the decoded form of one wire frame
// each frame is a json array whose first element is the label.
// Event and filter payloads use the go-nostr codecs; the frame shape and
// element types are checked here so that every malformed frame is a `*ProtocolError`.
type Envelope interface {
	Label() string
}

// client to relay: ["EVENT", <event>]
type EventOutEnvelope struct {
	Event *Event
}

// client to relay: ["REQ", <sub_id>, <filter>...]
type ReqEnvelope struct {
	SubscriptionId string
	Filters        []Filter
}

// client to relay: ["CLOSE", <sub_id>]
type CloseEnvelope struct {
	SubscriptionId string
}

// relay to client: ["EVENT", <sub_id>, <event>]
type EventInEnvelope struct {
	SubscriptionId string
	Event          *Event
}

// relay to client: ["OK", <event_id>, <accepted>, <message?>]
type OkEnvelope struct {
	EventId  string
	Accepted bool
	Message  string
}

// relay to client: ["EOSE", <sub_id>]
type EoseEnvelope struct {
	SubscriptionId string
}

// relay to client: ["NOTICE", <message>]
type NoticeEnvelope struct {
	Message string
}

func (self *EventOutEnvelope) Label() string { return LabelEvent }
func (self *ReqEnvelope) Label() string      { return LabelReq }
func (self *CloseEnvelope) Label() string    { return LabelClose }
func (self *EventInEnvelope) Label() string  { return LabelEvent }
func (self *OkEnvelope) Label() string       { return LabelOk }
func (self *EoseEnvelope) Label() string     { return LabelEose }
func (self *NoticeEnvelope) Label() string   { return LabelNotice }

// encodes with the go-nostr envelope codecs
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	switch v := envelope.(type) {
	case *EventOutEnvelope:
		if v.Event == nil {
			return nil, errors.New("EVENT envelope requires an event.")
		}
		out := nostr.EventEnvelope{Event: wireEvent(v.Event)}
		return out.MarshalJSON()
	case *ReqEnvelope:
		out := nostr.ReqEnvelope{
			SubscriptionID: v.SubscriptionId,
			Filters:        nostr.Filters(v.Filters),
		}
		return out.MarshalJSON()
	case *CloseEnvelope:
		out := nostr.CloseEnvelope(v.SubscriptionId)
		return out.MarshalJSON()
	case *EventInEnvelope:
		if v.Event == nil {
			return nil, errors.New("EVENT envelope requires an event.")
		}
		subscriptionId := v.SubscriptionId
		out := nostr.EventEnvelope{
			SubscriptionID: &subscriptionId,
			Event:          wireEvent(v.Event),
		}
		return out.MarshalJSON()
	case *OkEnvelope:
		out := nostr.OKEnvelope{
			EventID: v.EventId,
			OK:      v.Accepted,
			Reason:  v.Message,
		}
		return out.MarshalJSON()
	case *EoseEnvelope:
		out := nostr.EOSEEnvelope(v.SubscriptionId)
		return out.MarshalJSON()
	case *NoticeEnvelope:
		out := nostr.NoticeEnvelope(v.Message)
		return out.MarshalJSON()
	default:
		return nil, fmt.Errorf("Unknown envelope type: %T", v)
	}
}

// relays reject `"tags":null`
func wireEvent(event *Event) Event {
	out := *event
	if out.Tags == nil {
		out.Tags = Tags{}
	}
	return out
}

func RequireEncodeEnvelope(envelope Envelope) []byte {
	frame, err := EncodeEnvelope(envelope)
	if err != nil {
		panic(err)
	}
	return frame
}

// decodes a frame sent by a relay
// every error is a `*ProtocolError`
func DecodeRelayEnvelope(frame []byte) (Envelope, error) {
	label, parts, err := splitFrame(frame)
	if err != nil {
		return nil, err
	}
	protocolError := func(format string, a ...any) error {
		return &ProtocolError{
			Frame: frame,
			Err:   fmt.Errorf(format, a...),
		}
	}

	switch label {
	case LabelEvent:
		if len(parts) != 3 {
			return nil, protocolError("EVENT expects 3 elements, got %d.", len(parts))
		}
		envelope := &EventInEnvelope{}
		if err := json.Unmarshal(parts[1], &envelope.SubscriptionId); err != nil {
			return nil, protocolError("EVENT subscription id: %s", err)
		}
		if err := decodeEvent(parts[2], &envelope.Event); err != nil {
			return nil, protocolError("EVENT event: %s", err)
		}
		return envelope, nil
	case LabelOk:
		if len(parts) < 3 || 4 < len(parts) {
			return nil, protocolError("OK expects 3 or 4 elements, got %d.", len(parts))
		}
		envelope := &OkEnvelope{}
		if err := json.Unmarshal(parts[1], &envelope.EventId); err != nil {
			return nil, protocolError("OK event id: %s", err)
		}
		if err := json.Unmarshal(parts[2], &envelope.Accepted); err != nil {
			return nil, protocolError("OK accepted: %s", err)
		}
		if len(parts) == 4 {
			if err := json.Unmarshal(parts[3], &envelope.Message); err != nil {
				return nil, protocolError("OK message: %s", err)
			}
		}
		return envelope, nil
	case LabelEose:
		if len(parts) != 2 {
			return nil, protocolError("EOSE expects 2 elements, got %d.", len(parts))
		}
		envelope := &EoseEnvelope{}
		if err := json.Unmarshal(parts[1], &envelope.SubscriptionId); err != nil {
			return nil, protocolError("EOSE subscription id: %s", err)
		}
		return envelope, nil
	case LabelNotice:
		if len(parts) != 2 {
			return nil, protocolError("NOTICE expects 2 elements, got %d.", len(parts))
		}
		envelope := &NoticeEnvelope{}
		if err := json.Unmarshal(parts[1], &envelope.Message); err != nil {
			return nil, protocolError("NOTICE message: %s", err)
		}
		return envelope, nil
	default:
		return nil, protocolError("Unrecognized relay label %q.", label)
	}
}

// decodes a frame sent by a client
// this is the relay side of the codec
func DecodeClientEnvelope(frame []byte) (Envelope, error) {
	label, parts, err := splitFrame(frame)
	if err != nil {
		return nil, err
	}
	protocolError := func(format string, a ...any) error {
		return &ProtocolError{
			Frame: frame,
			Err:   fmt.Errorf(format, a...),
		}
	}

	switch label {
	case LabelEvent:
		if len(parts) != 2 {
			return nil, protocolError("EVENT expects 2 elements, got %d.", len(parts))
		}
		envelope := &EventOutEnvelope{}
		if err := decodeEvent(parts[1], &envelope.Event); err != nil {
			return nil, protocolError("EVENT event: %s", err)
		}
		return envelope, nil
	case LabelReq:
		if len(parts) < 2 {
			return nil, protocolError("REQ expects at least 2 elements, got %d.", len(parts))
		}
		envelope := &ReqEnvelope{
			Filters: make([]Filter, len(parts)-2),
		}
		if err := json.Unmarshal(parts[1], &envelope.SubscriptionId); err != nil {
			return nil, protocolError("REQ subscription id: %s", err)
		}
		for i, part := range parts[2:] {
			if err := envelope.Filters[i].UnmarshalJSON(part); err != nil {
				return nil, protocolError("REQ filter %d: %s", i, err)
			}
		}
		return envelope, nil
	case LabelClose:
		if len(parts) != 2 {
			return nil, protocolError("CLOSE expects 2 elements, got %d.", len(parts))
		}
		envelope := &CloseEnvelope{}
		if err := json.Unmarshal(parts[1], &envelope.SubscriptionId); err != nil {
			return nil, protocolError("CLOSE subscription id: %s", err)
		}
		return envelope, nil
	default:
		return nil, protocolError("Unrecognized client label %q.", label)
	}
}

func splitFrame(frame []byte) (label string, parts []json.RawMessage, err error) {
	if err = json.Unmarshal(frame, &parts); err != nil {
		err = &ProtocolError{Frame: frame, Err: err}
		return
	}
	if len(parts) == 0 {
		err = &ProtocolError{Frame: frame, Err: errors.New("Empty frame.")}
		return
	}
	if err = json.Unmarshal(parts[0], &label); err != nil {
		err = &ProtocolError{Frame: frame, Err: fmt.Errorf("Label: %s", err)}
		return
	}
	return
}

func decodeEvent(data json.RawMessage, event **Event) error {
	var e Event
	if err := e.UnmarshalJSON(data); err != nil {
		return err
	}
	if e.ID == "" {
		return ErrMissingEventId
	}
	*event = &e
	return nil
}
