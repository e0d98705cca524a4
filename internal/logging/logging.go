// Package logging builds the service's structured logger and masks contact details for log output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New returns a slog.Logger writing to stdout. format is "json" or "text"; level is one of
// DEBUG, INFO, WARN, ERROR (case-insensitive, INFO when unknown).
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lv := new(slog.LevelVar)
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lv.Set(slog.LevelDebug)
	case "WARN":
		lv.Set(slog.LevelWarn)
	case "ERROR":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything; handy as a default and in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MaskPhone masks a phone number for logging (e.g., +23******01)
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}

// MaskEmail keeps the first character of the local part and the domain (e.g., a***@x.com)
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "****"
	}
	return email[:1] + "***" + email[at:]
}

// MaskDestination masks a phone number or an email address
func MaskDestination(dest string) string {
	if strings.Contains(dest, "@") {
		return MaskEmail(dest)
	}
	return MaskPhone(dest)
}
