package totp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
	"golang.org/x/crypto/bcrypt"
)

type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

var (
	ErrAlreadyActive  = errors.New("two-factor authentication is already active")
	ErrNotPending     = errors.New("no enrollment in progress")
	ErrNotActive      = errors.New("two-factor authentication is not active")
	ErrInvalidCode    = errors.New("invalid verification code")
	ErrSameStep       = errors.New("second code must come from a later time step")
	ErrBackupCodeUsed = errors.New("backup code already used")
)

// Credential is a user's second-factor state as stored on their entry.
// Secret is sealed when a Sealer is configured. BackupCodes are bcrypt
// hashes.
type Credential struct {
	Secret      string
	Status      Status
	EnrolledAt  time.Time
	BackupCodes []string
}

type CredentialStore interface {
	LoadCredential(ctx context.Context, username string) (*Credential, error)
	SaveCredential(ctx context.Context, username string, cred *Credential) error
	// RemoveBackupCode must fail when hash is no longer stored, so that a
	// code can be redeemed only once across nodes.
	RemoveBackupCode(ctx context.Context, username, hash string) error
}

type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Enrollment drives the per-user lifecycle:
//
//	none|disabled -> Begin -> pending -> ConfirmFirst, ConfirmSecond -> active
//	active -> Disable -> disabled
//
// Activation needs two valid codes from distinct time steps, so a single
// observed code cannot complete enrollment.
type Enrollment struct {
	Engine       *Engine
	Store        CredentialStore
	Sealer       Sealer
	Issuer       string
	GraceDays    int
	Mandatory    bool
	BackupCount  int
	BackupLength int
	HashCost     int
}

func NewEnrollment(engine *Engine, store CredentialStore, sealer Sealer, cfg config.TOTPConfig) *Enrollment {
	return &Enrollment{
		Engine:       engine,
		Store:        store,
		Sealer:       sealer,
		Issuer:       cfg.Issuer,
		GraceDays:    cfg.GraceDays,
		Mandatory:    cfg.Mandatory,
		BackupCount:  cfg.BackupCodeCount,
		BackupLength: cfg.BackupCodeLength,
		HashCost:     bcrypt.DefaultCost,
	}
}

// Summary is the user-visible view of a credential.
type Summary struct {
	Status               Status     `json:"status"`
	EnrolledAt           *time.Time `json:"enrolledAt,omitempty"`
	BackupCodesRemaining int        `json:"backupCodesRemaining"`
	RequiresEnrollment   bool       `json:"requiresEnrollment"`
	GraceEndsAt          *time.Time `json:"graceEndsAt,omitempty"`
}

// Begin starts (or restarts) enrollment and returns the plaintext secret
// and its provisioning URI. The first enrollment time is kept across
// restarts so the grace period cannot be extended.
func (e *Enrollment) Begin(ctx context.Context, username string) (string, string, error) {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return "", "", err
	}
	if cred.Status == StatusActive {
		return "", "", ErrAlreadyActive
	}

	secret, err := e.Engine.GenerateSecret()
	if err != nil {
		return "", "", err
	}
	uri, err := e.Engine.ProvisioningURI(secret, username, e.Issuer)
	if err != nil {
		return "", "", err
	}
	sealed, err := e.seal(secret)
	if err != nil {
		return "", "", err
	}

	cred.Secret = sealed
	cred.Status = StatusPending
	cred.BackupCodes = nil
	if cred.EnrolledAt.IsZero() {
		cred.EnrolledAt = e.Engine.now().UTC()
	}
	if err := e.Store.SaveCredential(ctx, username, cred); err != nil {
		return "", "", err
	}

	logger.InfoWithUser(username, "totp_enrollment_started", nil)
	return secret, uri, nil
}

// ConfirmFirst checks the first enrollment code and returns its step.
// The caller keeps the step in its session until ConfirmSecond.
func (e *Enrollment) ConfirmFirst(ctx context.Context, username, code string) (uint64, error) {
	_, secret, err := e.load(ctx, username, StatusPending, ErrNotPending)
	if err != nil {
		return 0, err
	}
	step, ok := e.Engine.Match(secret, code, e.Engine.now(), e.Engine.Window)
	if !ok {
		return 0, ErrInvalidCode
	}
	return step, nil
}

// ConfirmSecond checks a code from a later step than firstStep, activates
// the credential and returns the plaintext backup codes. They are never
// retrievable again.
func (e *Enrollment) ConfirmSecond(ctx context.Context, username, code string, firstStep uint64) ([]string, error) {
	cred, secret, err := e.load(ctx, username, StatusPending, ErrNotPending)
	if err != nil {
		return nil, err
	}
	step, ok := e.Engine.Match(secret, code, e.Engine.now(), e.Engine.Window)
	if !ok {
		return nil, ErrInvalidCode
	}
	if step <= firstStep {
		return nil, ErrSameStep
	}

	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}
	cred.Status = StatusActive
	cred.BackupCodes = hashes
	if err := e.Store.SaveCredential(ctx, username, cred); err != nil {
		return nil, err
	}

	logger.InfoWithUser(username, "totp_enrollment_completed", nil)
	return codes, nil
}

// Verify checks a login code for an active credential.
func (e *Enrollment) Verify(ctx context.Context, username, code string) (bool, error) {
	_, secret, err := e.load(ctx, username, StatusActive, ErrNotActive)
	if err != nil {
		return false, err
	}
	return e.Engine.ValidateCode(secret, code), nil
}

// RedeemBackupCode consumes one backup code and reports how many remain.
func (e *Enrollment) RedeemBackupCode(ctx context.Context, username, code string) (int, error) {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return 0, err
	}
	if cred.Status != StatusActive {
		return 0, ErrNotActive
	}
	if code == "" {
		return 0, ErrInvalidCode
	}

	for _, hash := range cred.BackupCodes {
		if !utils.CheckPassword(code, hash) {
			continue
		}
		if err := e.Store.RemoveBackupCode(ctx, username, hash); err != nil {
			logger.WarnWithUser(username, "totp_backup_code_race", map[string]interface{}{
				"error": err.Error(),
			})
			return 0, ErrBackupCodeUsed
		}
		remaining := len(cred.BackupCodes) - 1
		logger.InfoWithUser(username, "totp_backup_code_redeemed", map[string]interface{}{
			"remaining": remaining,
		})
		return remaining, nil
	}
	return 0, ErrInvalidCode
}

// RegenerateBackupCodes replaces every backup code of an active credential.
func (e *Enrollment) RegenerateBackupCodes(ctx context.Context, username string) ([]string, error) {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return nil, err
	}
	if cred.Status != StatusActive {
		return nil, ErrNotActive
	}
	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}
	cred.BackupCodes = hashes
	if err := e.Store.SaveCredential(ctx, username, cred); err != nil {
		return nil, err
	}
	return codes, nil
}

// Disable clears the secret and backup codes.
func (e *Enrollment) Disable(ctx context.Context, username string) error {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return err
	}
	cred.Secret = ""
	cred.BackupCodes = nil
	cred.Status = StatusDisabled
	if err := e.Store.SaveCredential(ctx, username, cred); err != nil {
		return err
	}
	logger.InfoWithUser(username, "totp_disabled", nil)
	return nil
}

func (e *Enrollment) Status(ctx context.Context, username string) (*Summary, error) {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		Status:             cred.Status,
		RequiresEnrollment: e.RequiresEnrollment(cred, e.Engine.now()),
	}
	if cred.Status == StatusActive {
		summary.BackupCodesRemaining = len(cred.BackupCodes)
	}
	if !cred.EnrolledAt.IsZero() {
		enrolled := cred.EnrolledAt
		summary.EnrolledAt = &enrolled
		if e.Mandatory && cred.Status != StatusActive {
			graceEnds := enrolled.AddDate(0, 0, e.GraceDays)
			summary.GraceEndsAt = &graceEnds
		}
	}
	return summary, nil
}

// RequiresEnrollment reports whether a user must finish enrollment before
// doing anything else: the policy is mandatory, the credential is not
// active and the grace period measured from the first enrollment attempt
// is over. A user who never started has no grace period.
func (e *Enrollment) RequiresEnrollment(cred *Credential, now time.Time) bool {
	if !e.Mandatory || cred.Status == StatusActive {
		return false
	}
	if cred.EnrolledAt.IsZero() {
		return true
	}
	return !now.Before(cred.EnrolledAt.AddDate(0, 0, e.GraceDays))
}

// HasActive reports whether username must present a second factor.
func (e *Enrollment) HasActive(ctx context.Context, username string) (bool, error) {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return false, err
	}
	return cred.Status == StatusActive, nil
}

func (e *Enrollment) load(ctx context.Context, username string, want Status, wrong error) (*Credential, string, error) {
	cred, err := e.Store.LoadCredential(ctx, username)
	if err != nil {
		return nil, "", err
	}
	if cred.Status != want || cred.Secret == "" {
		return nil, "", wrong
	}
	secret, err := e.open(cred.Secret)
	if err != nil {
		return nil, "", err
	}
	return cred, secret, nil
}

func (e *Enrollment) newBackupCodes() ([]string, []string, error) {
	codes, err := GenerateBackupCodes(e.BackupCount, e.BackupLength)
	if err != nil {
		return nil, nil, err
	}
	cost := e.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hash, err := utils.HashPasswordCost(code, cost)
		if err != nil {
			return nil, nil, fmt.Errorf("hashing backup code: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}

func (e *Enrollment) seal(secret string) (string, error) {
	if e.Sealer == nil {
		return secret, nil
	}
	return e.Sealer.Seal(secret)
}

func (e *Enrollment) open(stored string) (string, error) {
	if e.Sealer == nil {
		return stored, nil
	}
	secret, err := e.Sealer.Open(stored)
	if err != nil {
		return "", fmt.Errorf("opening TOTP secret: %w", err)
	}
	return secret, nil
}
