package handlers

import (
	"context"
	"strings"

	"github.com/ldapconsole/api/internal/directory"
	"github.com/ldapconsole/api/pkg/logger"
)

// Directory is the identity backend the handlers talk to.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (*directory.Identity, error)
	Lookup(ctx context.Context, username string) (*directory.Identity, error)
	SetPassword(ctx context.Context, username, password string) error
}

// Notifier delivers a reset token to its owner.
type Notifier interface {
	SendResetToken(ctx context.Context, identity *directory.Identity, channel, token string) error
}

// LogNotifier only records that a token would have been sent.
type LogNotifier struct{}

func (LogNotifier) SendResetToken(ctx context.Context, identity *directory.Identity, channel, token string) error {
	logger.InfoWithUser(identity.Username, "password_reset_delivery", map[string]interface{}{
		"channel": channel,
		"email":   identity.Email,
	})
	return nil
}

func normalizeUsername(value string) string {
	return strings.TrimSpace(value)
}

const minPasswordLength = 8
