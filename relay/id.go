package relay

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// lowercase ulid text. Relays limit subscription ids to 64 chars and ulids are 26.
func (self Id) String() string {
	return strings.ToLower(ulid.ULID(self).String())
}

// subscription ids are caller-chosen. This is a convenience for callers
// that do not need a stable id.
func NewSubscriptionId() string {
	return NewId().String()
}
