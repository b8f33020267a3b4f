// Package clock lets time-dependent components run against a fake clock in
// tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// System is the wall clock, always in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }
