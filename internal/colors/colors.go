// Package colors renders branch and changeset labels for terminal output.
//
// Colors are used only when stdout is a terminal. NO_COLOR disables them and
// FORCE_COLOR enables them regardless.
package colors

import (
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorDim   = "\033[2m"

	ColorGray    = "\033[90m"
	BrightRed    = "\033[91m"
	BrightGreen  = "\033[92m"
	BrightYellow = "\033[93m"
	BrightCyan   = "\033[96m"
)

var colorEnabled = shouldUseColor()

func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// SetColorEnabled allows manual control of color output
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

func IsColorEnabled() bool {
	return colorEnabled
}

func colorize(text, color string) string {
	if !colorEnabled {
		return text
	}
	return color + text + ColorReset
}

func Bold(text string) string { return colorize(text, ColorBold) }

func Gray(text string) string { return colorize(text, ColorGray) }

// Node renders a changeset identifier.
func Node(text string) string { return colorize(text, BrightYellow) }

// BranchState is how a branch is listed.
type BranchState int

const (
	// Active branches have a head that is a topological head.
	Active BranchState = iota
	// Inactive branches were merged into another branch.
	Inactive
	Closed
)

// Branch renders a branch name by state.
func Branch(name string, state BranchState) string {
	switch state {
	case Active:
		return colorize(name, BrightGreen)
	case Closed:
		return colorize(name, ColorDim)
	default:
		return colorize(name, ColorGray)
	}
}

// Phase renders a phase name: public changesets are plain, draft ones
// green, secret ones red.
func Phase(name string) string {
	switch name {
	case "draft":
		return colorize(name, BrightGreen)
	case "secret":
		return colorize(name, BrightRed)
	default:
		return name
	}
}

func ErrorText(text string) string { return colorize(text, BrightRed) }

func SuccessText(text string) string { return colorize(text, BrightGreen) }

func InfoText(text string) string { return colorize(text, BrightCyan) }

