package util

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

func ParseInt(str string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(str)); err == nil {
		return v
	}
	return fallback
}

func ParseBool(str string, fallback bool) bool {
	if v, err := strconv.ParseBool(str); err == nil {
		return v
	}
	return fallback
}

// ParseSize accepts plain byte counts as well as "64MiB" or "1 GB" style sizes.
func ParseSize(str string, fallback int64) int64 {
	str = strings.TrimSpace(str)
	if v, err := strconv.ParseInt(str, 10, 64); err == nil {
		return v
	}
	if v, err := humanize.ParseBytes(str); err == nil {
		return int64(v)
	}
	return fallback
}

// FormatSize renders a byte count for log lines.
func FormatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
