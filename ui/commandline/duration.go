// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"
)

// FormatDuration pretty prints duration with 2 decimal places in the largest unit that fits, e.g. "1.50ms".
func FormatDuration(d time.Duration) string {
	units := []struct {
		size time.Duration
		name string
	}{
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
		{time.Millisecond, "ms"},
		{time.Microsecond, "µs"},
	}
	abs := d
	if abs < 0 {
		abs = -abs
	}
	for _, unit := range units {
		if abs >= unit.size {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(unit.size), unit.name)
		}
	}
	return fmt.Sprintf("%dns", d.Nanoseconds())
}
