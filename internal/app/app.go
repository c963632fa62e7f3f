package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/internal/directory"
	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/internal/lockout"
	"github.com/ldapconsole/api/internal/ratelimit"
	"github.com/ldapconsole/api/internal/resettoken"
	"github.com/ldapconsole/api/internal/session"
	"github.com/ldapconsole/api/internal/storage"
	"github.com/ldapconsole/api/internal/totp"
	"github.com/ldapconsole/api/pkg/challenge"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

// App holds every long-lived component, wired from one Config.
type App struct {
	Config       *config.Config
	Connector    *directory.Connector
	Shared       *directory.SharedEntry
	Identities   *directory.Identities
	Cache        *kvstore.Cache
	Store        *kvstore.Store
	Limiter      *ratelimit.Limiter
	LoginLockout *lockout.Tracker
	ResetLockout *lockout.Tracker
	Sessions     *session.Manager
	ResetTokens  *resettoken.Manager
	Engine       *totp.Engine
	MFA          *totp.Enrollment
	Audit        *audit.Log
	Archive      *storage.ObjectStore
	Challenges   *challenge.Issuer

	closers []func() error
}

func Build(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	a.Connector = directory.NewConnector(cfg.LDAP)
	a.Identities = directory.NewIdentities(a.Connector, cfg.TOTP)

	cache, err := kvstore.NewCache(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening cache dir: %w", err)
	}
	a.Cache = cache

	var durable kvstore.Durable
	if cfg.Store.Enabled {
		a.Shared = directory.NewSharedEntry(a.Connector, cfg.Store)
		durable = a.Shared
	}
	a.Store = kvstore.NewStore(cache, durable)

	a.Limiter = ratelimit.New(cache)
	a.LoginLockout = lockout.NewTracker(a.Store, "login", cfg.Login.MaxAttempts, cfg.Login.LockoutDuration)
	a.ResetLockout = lockout.NewTracker(a.Store, "reset", cfg.Reset.MaxAttempts, cfg.Reset.LockoutDuration)
	a.Sessions = session.NewManager(a.Store, cfg.Session.Lifetime)

	backend, closer, err := OpenAuditBackend(cfg.Audit)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.Audit = audit.New(backend, cfg.Audit.Enabled)
	a.ResetTokens = resettoken.NewManager(a.Store, a.ResetLockout, a.Audit, cfg.Reset.TokenTTL, cfg.Reset.SingleUseValidate)

	var sealer totp.Sealer
	if cfg.TOTP.EncryptionSecret != "" {
		s, err := utils.NewSealer(cfg.TOTP.EncryptionSecret)
		if err != nil {
			return nil, err
		}
		sealer = s
	} else {
		logger.Warn("totp_encryption_disabled", map[string]interface{}{
			"reason": "TOTP_ENCRYPTION_SECRET is not set",
		})
	}
	a.Engine = totp.NewEngine(cfg.TOTP)
	a.MFA = totp.NewEnrollment(a.Engine, a.Identities, sealer, cfg.TOTP)
	a.Challenges = challenge.NewIssuer(cfg.JWT.Secret, cfg.JWT.ChallengeTTL)

	archive, err := storage.NewObjectStore(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive initialization failed: %w", err)
	}
	a.Archive = archive

	return a, nil
}

// Uploader returns the archive target, or nil when archiving is off.
func (a *App) Uploader() audit.Uploader {
	if a.Archive == nil {
		return nil
	}
	return a.Archive
}

// Prepare checks the outside services the app depends on.
func (a *App) Prepare(ctx context.Context) error {
	if err := a.Connector.Ping(ctx); err != nil {
		logger.Warn("directory_unreachable", map[string]interface{}{
			"url":   a.Config.LDAP.URL,
			"error": err.Error(),
		})
	}
	if a.Shared != nil {
		if err := a.Shared.Ensure(ctx); err != nil {
			logger.Error("shared_entry_unavailable", err, map[string]interface{}{
				"dn": a.Config.Store.EntryDN,
			})
		}
	}
	if a.Archive != nil {
		if err := a.Archive.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed ensuring archive bucket: %w", err)
		}
	}
	return nil
}

func (a *App) Close() error {
	var first error
	for _, closer := range a.closers {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenAuditBackend builds the configured audit sink: "file", "database" or
// "stdout".
func OpenAuditBackend(cfg config.AuditConfig) (audit.Backend, func() error, error) {
	switch cfg.Backend {
	case "file", "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("creating audit dir: %w", err)
			}
		}
		return audit.NewFileBackend(cfg.Path), nil, nil
	case "database":
		backend, err := audit.OpenDatabase(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := backend.DB.DB()
		if err != nil {
			return nil, nil, err
		}
		return backend, sqlDB.Close, nil
	case "stdout":
		return audit.NewStreamBackend(os.Stdout), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}
