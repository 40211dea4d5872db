package resolve

import accountage "github.com/wolfeidau/account-age"

// Sink receives completed resolutions. OnResolved is called exactly once per
// resolution cycle, from the goroutine that completed it, so implementations
// must be safe for concurrent use and should not block.
type Sink interface {
	OnResolved(h accountage.Handle, rec accountage.AgeRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(h accountage.Handle, rec accountage.AgeRecord)

// OnResolved calls f.
func (f SinkFunc) OnResolved(h accountage.Handle, rec accountage.AgeRecord) {
	f(h, rec)
}

type discardSink struct{}

func (discardSink) OnResolved(accountage.Handle, accountage.AgeRecord) {}
