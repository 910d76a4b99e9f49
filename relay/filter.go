package relay

import (
	"github.com/nbd-wtf/go-nostr"
)

// a declarative matcher sent with a REQ
// `Tags` maps a single letter tag name to accepted values and is encoded as `#<name>`.
// Set `LimitZero` to send an explicit `"limit":0`.
type Filter = nostr.Filter

// a filter on kind and topic, the shape the idea graph subscribes with
func KindTopicFilter(kind int, topics ...string) Filter {
	filter := Filter{
		Kinds: []int{kind},
	}
	if 0 < len(topics) {
		filter.Tags = nostr.TagMap{
			TagTopic: topics,
		}
	}
	return filter
}

func TimestampPointer(t int64) *Timestamp {
	ts := Timestamp(t)
	return &ts
}
