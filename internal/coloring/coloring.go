// Package coloring holds the ANSI escapes used by the CLI's `ps` output.
// Callers gate emission on the client tty flags carried by the Call frame.
package coloring

// Basic SGR sequences.
const (
	Reset     = "\033[0m"
	Bold      = "\033[1m"
	Underline = "\033[4m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"

	// 256-colour greys for secondary text.
	DarkGray   = "\033[38;5;238m"
	MediumGray = "\033[38;5;244m"
	LightGray  = "\033[38;5;250m"
)

// ForProgress maps a download percentage to its `ps` colour band:
// red below 30, yellow below 60, green from 60 up.
func ForProgress(pct float64) string {
	switch {
	case pct < 30:
		return Red
	case pct < 60:
		return Yellow
	default:
		return Green
	}
}

// Wrap surrounds s with code and Reset when enabled, else returns s.
func Wrap(code, s string, enabled bool) string {
	if !enabled {
		return s
	}
	return code + s + Reset
}
