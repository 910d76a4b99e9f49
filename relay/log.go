package relay

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `relay` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection loss and reconnect attempts
//     - dropped events (backpressure, unknown subscription)
//     - protocol errors and handler errors
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (glog -v):
//     1: key events with ids that can be used to filter (subscribe, unsubscribe, publish result)
//     2: per frame send/receive
//
// Log lines are tagged with the component and the client id:
//     [c] connect  [s] send  [r] receive  [sub] dispatch  [p] publish

const LogLevelDebug = 2

type LogFunction func(string, ...any)

// FIXME source code line not correct with these wrappers
func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(glog.Level(level)) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
