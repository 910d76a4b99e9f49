package relay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// event kinds used by the idea graph
const KindLongFormContent = 30023

// common tag names
const TagEvent = "e"
const TagPubkey = "p"
const TagTopic = "t"

// a signed, content-addressed record
// events are immutable once constructed. The client never signs or verifies,
// it forwards caller-supplied events as-is.
type Event = nostr.Event

// an ordered sequence of strings where the first element is the tag name
// e.g. ["e", "<event id>", "<relay url>"]
type Tag = nostr.Tag
type Tags = nostr.Tags

// unix seconds
type Timestamp = nostr.Timestamp

// values of all tags with the given name, in tag order
func TagValues(event *Event, name string) []string {
	values := []string{}
	for _, tag := range event.Tags {
		if 2 <= len(tag) && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// ids of events this event references with `e` tags
func References(event *Event) []string {
	return TagValues(event, TagEvent)
}

func Topics(event *Event) []string {
	return TagValues(event, TagTopic)
}

func HasTopic(event *Event, topic string) bool {
	for _, t := range Topics(event) {
		if t == topic {
			return true
		}
	}
	return false
}

// short form for logs. `Event.String` is the full json.
func describeEvent(event *Event) string {
	if event == nil {
		return "event(nil)"
	}
	return fmt.Sprintf("event(%s kind=%d)", shortId(event.ID), event.Kind)
}

func shortId(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[0:8]
}
