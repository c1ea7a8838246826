package testutil

import "go.uber.org/goleak"

// GoleakOptions is passed to goleak.VerifyTestMain to ignore goroutines
// started by runtimes and libraries outside our control.
var GoleakOptions = []goleak.Option{
	// HTTP keep-alive connections from httptest servers linger briefly
	// after the test body returns.
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
}
