package shareprice

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `shareprice` package:
// Info:
//     abnormal events. This level should be silent on normal operation,
//     with the exception of one time initialization data.
//     this includes:
//     - channel drops and reconnects
//     - authentication redirects
//     - dropped subscription messages
// Warning:
//     recovered panics, e.g. from a store listener
// Debug (V(2)):
//     key events with ids that can be used to filter
//     - operation start/end, commits, subscription start/stop

const LogLevelInfo glog.Level = 0
const LogLevelDebug glog.Level = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
