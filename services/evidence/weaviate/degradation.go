// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"sync/atomic"
)

// DegradationHandler is notified when Weaviate availability flips.
//
// Implementations must be fast and non-blocking; they run on the goroutine
// that observed the change.
type DegradationHandler interface {
	OnDegraded(reason string)
	OnRecovered()
}

// AvailabilityFlag is a DegradationHandler that tracks availability in an
// atomic. The zero value reports unavailable.
type AvailabilityFlag struct {
	up     atomic.Bool
	reason atomic.Value
}

// OnDegraded marks the flag unavailable.
func (f *AvailabilityFlag) OnDegraded(reason string) {
	f.reason.Store(reason)
	f.up.Store(false)
}

// OnRecovered marks the flag available.
func (f *AvailabilityFlag) OnRecovered() {
	f.reason.Store("")
	f.up.Store(true)
}

// Available reports the last notified state.
func (f *AvailabilityFlag) Available() bool {
	return f.up.Load()
}

// Reason returns the reason given with the last OnDegraded call.
func (f *AvailabilityFlag) Reason() string {
	r, _ := f.reason.Load().(string)
	return r
}
