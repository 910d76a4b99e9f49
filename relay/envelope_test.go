package relay

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeClientEnvelopes(t *testing.T) {
	req := &ReqEnvelope{
		SubscriptionId: "ideas",
		Filters: []Filter{
			KindTopicFilter(KindLongFormContent, "idea"),
			{Authors: []string{"a1b2"}, Limit: 10},
		},
	}
	frame, err := EncodeEnvelope(req)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, strings.HasPrefix(string(frame), `["REQ","ideas",{`))
	assert.Equal(t, true, strings.Contains(string(frame), `"#t":["idea"]`))
	assert.Equal(t, true, strings.Contains(string(frame), `"kinds":[30023]`))
	assert.Equal(t, true, strings.Contains(string(frame), `"authors":["a1b2"]`))
	assert.Equal(t, true, strings.Contains(string(frame), `"limit":10`))

	envelope, err := DecodeClientEnvelope(frame)
	assert.Equal(t, err, nil)
	decoded := envelope.(*ReqEnvelope)
	assert.Equal(t, "ideas", decoded.SubscriptionId)
	assert.Equal(t, 2, len(decoded.Filters))
	assert.Equal(t, []int{KindLongFormContent}, decoded.Filters[0].Kinds)
	assert.Equal(t, []string{"a1b2"}, decoded.Filters[1].Authors)

	frame, err = EncodeEnvelope(&CloseEnvelope{SubscriptionId: "ideas"})
	assert.Equal(t, err, nil)
	assert.Equal(t, `["CLOSE","ideas"]`, string(frame))

	event := &Event{
		ID:        "abc123",
		PubKey:    "pk",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      Tags{{"e", "def456"}},
		Content:   "hello",
		Sig:       "sig",
	}
	frame, err = EncodeEnvelope(&EventOutEnvelope{Event: event})
	assert.Equal(t, err, nil)
	envelope, err = DecodeClientEnvelope(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, event, envelope.(*EventOutEnvelope).Event)

	_, err = EncodeEnvelope(&EventOutEnvelope{})
	assert.NotEqual(t, err, nil)
}

func TestEncodeEventWithoutTags(t *testing.T) {
	// relays reject null tags
	event := &Event{
		ID:   "abc123",
		Kind: 1,
	}
	frame, err := EncodeEnvelope(&EventOutEnvelope{Event: event})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, strings.Contains(string(frame), `"tags":[]`))
	assert.Equal(t, false, strings.Contains(string(frame), `null`))
	// the caller's event is not modified
	assert.Equal(t, true, event.Tags == nil)
}

func TestDecodeRelayEnvelopes(t *testing.T) {
	envelope, err := DecodeRelayEnvelope([]byte(`["EVENT","ideas",{"id":"e1","pubkey":"pk","created_at":1,"kind":30023,"tags":[["t","idea"],["e","e0"]],"content":"c","sig":"s"}]`))
	assert.Equal(t, err, nil)
	eventIn := envelope.(*EventInEnvelope)
	assert.Equal(t, "ideas", eventIn.SubscriptionId)
	assert.Equal(t, "e1", eventIn.Event.ID)
	assert.Equal(t, 30023, eventIn.Event.Kind)
	assert.Equal(t, Timestamp(1), eventIn.Event.CreatedAt)
	assert.Equal(t, []string{"e0"}, References(eventIn.Event))
	assert.Equal(t, true, HasTopic(eventIn.Event, "idea"))

	envelope, err = DecodeRelayEnvelope([]byte(`["OK","e1",true,""]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, &OkEnvelope{EventId: "e1", Accepted: true}, envelope.(*OkEnvelope))

	// the message is optional
	envelope, err = DecodeRelayEnvelope([]byte(`["OK","e1",false]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, &OkEnvelope{EventId: "e1", Accepted: false}, envelope.(*OkEnvelope))

	envelope, err = DecodeRelayEnvelope([]byte(`["OK","e1",false,"blocked: spam"]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, "blocked: spam", envelope.(*OkEnvelope).Message)

	envelope, err = DecodeRelayEnvelope([]byte(`["EOSE","ideas"]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, "ideas", envelope.(*EoseEnvelope).SubscriptionId)

	envelope, err = DecodeRelayEnvelope([]byte(`["NOTICE","rate limited"]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, "rate limited", envelope.(*NoticeEnvelope).Message)
}

func TestRelayEnvelopesRoundTrip(t *testing.T) {
	envelopes := []Envelope{
		&EventInEnvelope{SubscriptionId: "ideas", Event: testEvent("e1")},
		&OkEnvelope{EventId: "e1", Accepted: false, Message: "invalid: test"},
		&EoseEnvelope{SubscriptionId: "ideas"},
		&NoticeEnvelope{Message: "rate limited"},
	}
	for _, envelope := range envelopes {
		decoded, err := DecodeRelayEnvelope(RequireEncodeEnvelope(envelope))
		assert.Equal(t, err, nil)
		assert.Equal(t, envelope, decoded)
	}
}

func TestDecodeRelayEnvelopeErrors(t *testing.T) {
	frames := []string{
		``,
		`{}`,
		`[]`,
		`[1, 2]`,
		`["AUTH","challenge"]`,
		`["REQ","ideas",{}]`,
		`["EVENT","ideas"]`,
		`["EVENT","ideas",{"content":"no id"}]`,
		`["EVENT","ideas",null]`,
		`["EVENT",5,{"id":"e1"}]`,
		`["OK","e1"]`,
		`["OK","e1","true"]`,
		`["OK","e1",true,"a","b"]`,
		`["EOSE"]`,
		`["NOTICE",5]`,
	}
	for _, frame := range frames {
		envelope, err := DecodeRelayEnvelope([]byte(frame))
		assert.Equal(t, envelope, nil)
		assert.Equal(t, true, IsProtocolError(err))
	}
}

func TestDecodeClientEnvelopes(t *testing.T) {
	req := &ReqEnvelope{
		SubscriptionId: "ideas",
		Filters: []Filter{
			{
				Kinds: []int{KindLongFormContent},
				Tags: map[string][]string{
					"t": {"idea"},
					"e": {"e0", "e1"},
				},
				Since: TimestampPointer(1700000000),
			},
		},
	}
	envelope, err := DecodeClientEnvelope(RequireEncodeEnvelope(req))
	assert.Equal(t, err, nil)
	decoded := envelope.(*ReqEnvelope)
	assert.Equal(t, "ideas", decoded.SubscriptionId)
	assert.Equal(t, 1, len(decoded.Filters))
	assert.Equal(t, []int{KindLongFormContent}, decoded.Filters[0].Kinds)
	assert.Equal(t, []string{"idea"}, decoded.Filters[0].Tags["t"])
	assert.Equal(t, []string{"e0", "e1"}, decoded.Filters[0].Tags["e"])
	assert.Equal(t, Timestamp(1700000000), *decoded.Filters[0].Since)

	envelope, err = DecodeClientEnvelope([]byte(`["REQ","all"]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(envelope.(*ReqEnvelope).Filters))

	envelope, err = DecodeClientEnvelope(RequireEncodeEnvelope(&CloseEnvelope{SubscriptionId: "ideas"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, "ideas", envelope.(*CloseEnvelope).SubscriptionId)

	_, err = DecodeClientEnvelope([]byte(`["OK","e1",true]`))
	assert.Equal(t, true, IsProtocolError(err))

	_, err = DecodeClientEnvelope([]byte(`["REQ","ideas",{"kinds":"30023"}]`))
	assert.Equal(t, true, IsProtocolError(err))
}

func TestFilterKeepsSearchAndLimitZero(t *testing.T) {
	envelope, err := DecodeClientEnvelope([]byte(`["REQ","ideas",{"kinds":[1],"search":"idea","limit":0,"#p":["pk"],"until":20}]`))
	assert.Equal(t, err, nil)
	filter := envelope.(*ReqEnvelope).Filters[0]
	assert.Equal(t, []int{1}, filter.Kinds)
	assert.Equal(t, "idea", filter.Search)
	assert.Equal(t, true, filter.LimitZero)
	assert.Equal(t, []string{"pk"}, filter.Tags["p"])
	assert.Equal(t, Timestamp(20), *filter.Until)

	frame := string(RequireEncodeEnvelope(&ReqEnvelope{SubscriptionId: "ideas", Filters: []Filter{filter}}))
	assert.Equal(t, true, strings.Contains(frame, `"search":"idea"`))
	assert.Equal(t, true, strings.Contains(frame, `"limit":0`))
}

func TestEventTags(t *testing.T) {
	event := &Event{
		ID: "0123456789abcdef",
		Tags: Tags{
			{"e", "a"},
			{"t", "idea"},
			{"e"},
			{},
			{"e", "b", "wss://relay.example"},
		},
	}
	assert.Equal(t, []string{"a", "b"}, References(event))
	assert.Equal(t, []string{"idea"}, Topics(event))
	assert.Equal(t, false, HasTopic(event, "other"))
	assert.Equal(t, []string{}, TagValues(event, TagPubkey))
	assert.Equal(t, "event(01234567 kind=0)", describeEvent(event))
	assert.Equal(t, "event(nil)", describeEvent(nil))
}

func TestSubscriptionIds(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1024; i += 1 {
		id := NewSubscriptionId()
		assert.Equal(t, 26, len(id))
		assert.Equal(t, strings.ToLower(id), id)
		assert.Equal(t, false, seen[id])
		seen[id] = true
	}
}
