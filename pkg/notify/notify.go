// Package notify reports the outcome of a run: a trigger file escalated by
// warnings and errors, and an optional MQTT event.
package notify

import (
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Status is the severity of a run.
type Status int

const (
	StatusSuccess Status = 20
	StatusWarning Status = 30
	StatusError   Status = 40
)

func (s Status) String() string {
	switch {
	case s >= StatusError:
		return "ERROR"
	case s >= StatusWarning:
		return "WARNING"
	}
	return "SUCCESS"
}

// ParseStatus reads a status name; anything unknown is a success.
func ParseStatus(name string) Status {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ERROR", "CRITICAL":
		return StatusError
	case "WARNING":
		return StatusWarning
	}
	return StatusSuccess
}

// StatusOf maps a log level to a run status.
func StatusOf(level zapcore.Level) Status {
	switch {
	case level >= zapcore.ErrorLevel:
		return StatusError
	case level >= zapcore.WarnLevel:
		return StatusWarning
	}
	return StatusSuccess
}

// Step is the result of one pipeline step.
type Step struct {
	Action string
	Status Status
	Err    error
}

// Outcome summarizes a finished run.
type Outcome struct {
	Unit     string
	Status   Status
	Started  time.Time
	Finished time.Time
	Err      error
	Steps    []Step
}

// Notifier receives run events.
type Notifier interface {
	Started(unit string, at time.Time) error
	Finished(o Outcome) error
}

// Nop is a Notifier doing nothing.
type Nop struct{}

func (Nop) Started(string, time.Time) error { return nil }
func (Nop) Finished(Outcome) error          { return nil }
