// Package notify presents operation outcomes to the user.
package notify

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

// Terminal writes colored notifications to a terminal stream.
type Terminal struct {
	out     io.Writer
	info    *color.Color
	success *color.Color
	failure *color.Color
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:     out,
		info:    color.New(color.FgCyan),
		success: color.New(color.FgGreen, color.Bold),
		failure: color.New(color.FgRed, color.Bold),
	}
}

func (t *Terminal) Info(message string) {
	t.info.Fprintln(t.out, message)
}

func (t *Terminal) Success(message string) {
	t.success.Fprintf(t.out, "✓ %s\n", message)
}

func (t *Terminal) Error(message, detail string) {
	if detail == "" {
		t.failure.Fprintf(t.out, "✗ %s\n", message)
		return
	}
	t.failure.Fprintf(t.out, "✗ %s: %s\n", message, detail)
}

// Logging routes notifications into a structured log, for embedders without
// a user-facing surface.
type Logging struct {
	logger *zap.Logger
}

func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger}
}

func (l *Logging) Info(message string)    { l.logger.Info(message) }
func (l *Logging) Success(message string) { l.logger.Info(message, zap.Bool("success", true)) }
func (l *Logging) Error(message, detail string) {
	l.logger.Error(fmt.Sprintf("%s: %s", message, detail))
}
