// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log provides a small severity-based logging facade. Messages are
// rendered with redact-aware formatting and carry the tags attached to the
// context via logtags.
package log

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// Severity identifies the importance of a log event.
type Severity int

const (
	// SeverityInfo is used for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is used for situations which may require special handling.
	SeverityWarning
	// SeverityError is used for situations that are undesirable but recoverable.
	SeverityError
	// SeverityFatal is used for situations that the process cannot recover from.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "I"
	case SeverityWarning:
		return "W"
	case SeverityError:
		return "E"
	case SeverityFatal:
		return "F"
	default:
		return "?"
	}
}

var output struct {
	syncutil.Mutex
	w io.Writer
}

func init() {
	output.w = os.Stderr
}

// SetOutput redirects log output to w and returns a function restoring the
// previous destination. Only used by tests.
func SetOutput(w io.Writer) func() {
	output.Lock()
	defer output.Unlock()
	prev := output.w
	output.w = w
	return func() {
		output.Lock()
		defer output.Unlock()
		output.w = prev
	}
}

func logfDepth(ctx context.Context, sev Severity, format string, args ...interface{}) {
	var tags string
	if b := logtags.FromContext(ctx); b != nil {
		tags = "[" + b.String() + "] "
	}
	msg := redact.Sprintf(format, args...).StripMarkers()
	output.Lock()
	defer output.Unlock()
	fmt.Fprintf(output.w, "%s %s%s\n", sev, tags, msg)
}

// Infof logs an informational message.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, SeverityInfo, format, args...)
}

// Warningf logs a warning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, SeverityWarning, format, args...)
}

// Errorf logs an error.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, SeverityError, format, args...)
}

// Fatalf logs a fatal event and panics. A fatal event is a programming error;
// the kernel cannot continue past one.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, SeverityFatal, format, args...)
	panic(redact.Sprintf(format, args...).StripMarkers())
}
