// Package clocksync decides whether a device-reported timestamp can be
// trusted for ordering.
package clocksync

import "time"

const (
	DefaultMaxFuture = 5 * time.Minute
	DefaultMaxAge    = 180 * 24 * time.Hour
)

// Earliest is the oldest wall-clock date a peer can plausibly report.
var Earliest = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Policy bounds how far a device timestamp may drift from receive time.
type Policy struct {
	MaxFuture time.Duration
	MaxAge    time.Duration
	Earliest  time.Time
}

func DefaultPolicy() Policy {
	return Policy{MaxFuture: DefaultMaxFuture, MaxAge: DefaultMaxAge, Earliest: Earliest}
}

// Correct returns deviceTS unchanged when plausible, otherwise receive time
// and true.
func (p Policy) Correct(deviceTS uint32, receive time.Time) (time.Time, bool) {
	ts := time.Unix(int64(deviceTS), 0).UTC()
	switch {
	case ts.After(receive.Add(p.MaxFuture)):
		return receive, true
	case ts.Before(receive.Add(-p.MaxAge)):
		return receive, true
	case ts.Before(p.Earliest):
		return receive, true
	}
	return ts, false
}

// CorrectTimestampIfNeeded applies DefaultPolicy.
func CorrectTimestampIfNeeded(deviceTS uint32, receive time.Time) (time.Time, bool) {
	return DefaultPolicy().Correct(deviceTS, receive)
}
