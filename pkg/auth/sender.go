package auth

import (
	"context"
	"log/slog"
)

// CodeSender delivers a login code to its address. The email transport
// is deployment infrastructure, not part of the core; production wires
// a real sender here.
type CodeSender interface {
	SendLoginCode(ctx context.Context, email, code string) error
}

// LogSender writes codes to the process log instead of sending mail.
// Default for development and tests.
type LogSender struct{}

func (LogSender) SendLoginCode(ctx context.Context, email, code string) error {
	slog.Info("Login code (log delivery)", "email", email, "code", code)
	return nil
}
