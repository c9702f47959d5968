package discussion

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `discussion` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - confirmation timeouts and server rejections
//     - channel disconnects while mutations are in flight
//     - thread load timeouts
// Warning:
//     - recovered panics in callbacks and broadcast handlers
//     - ambiguous fingerprint reconciliation
// V(1):
//     key events with ids that can be used to filter
//     - optimistic apply, confirm, rollback
//     - thread open/close
// V(2):
//     frequent events - each broadcast, each emit, each projection

type LogFunction func(string, ...any)

// LogFn returns a tagged logger at the given verbosity.
// Level 0 logs at info.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("[%s]%s", tag, m)
		}
	}
}
