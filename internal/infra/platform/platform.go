// Package platform provides the screen wake lock and player visibility
// integration used by the session controller.
package platform

import "context"

// Noop is used where no desktop integration is available. It never reports
// visibility changes.
type Noop struct{}

// AcquireWakeLock does nothing.
func (Noop) AcquireWakeLock(context.Context) error { return nil }

// ReleaseWakeLock does nothing.
func (Noop) ReleaseWakeLock() error { return nil }

// Visibility returns a channel that never delivers.
func (Noop) Visibility() <-chan bool { return nil }
