package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeRound is the display granularity for transfer durations.
const timeRound = 100 * time.Millisecond

// pvRate matches the rates pv -L accepts: a decimal count with an optional
// K/M/G/T suffix.
var pvRate = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

// validPVRate reports whether rate is acceptable for `pv -L`.
func validPVRate(rate string) bool {
	return pvRate.MatchString(rate)
}

// randomSnapSuffix returns n alphanumeric characters for ad-hoc snapshot
// names.
func randomSnapSuffix(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:n]
}

// formatBytes renders a byte count in binary units (Ki, Mi, Gi, Ti).
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ci", float64(bytes)/float64(div), "KMGT"[exp])
}
