package main

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/fatih/color"
)

var (
	warnLabel = color.New(color.FgYellow, color.Bold).Sprint("WARN:")
	warnCount atomic.Int64
)

// warnf writes to the warning channel. Recoverable failures (rejected
// statements, unresolved clones, rows that fail coercion) end up here instead
// of being returned to the caller.
func warnf(format string, args ...any) {
	warnCount.Add(1)
	log.Printf("    %s %s", warnLabel, fmt.Sprintf(format, args...))
}

// resetWarnings returns the number of warnings logged since the last reset.
func resetWarnings() int64 {
	return warnCount.Swap(0)
}
