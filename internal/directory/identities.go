package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/internal/totp"
	"github.com/ldapconsole/api/pkg/logger"
)

type Identity struct {
	DN          string `json:"dn"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Identities resolves users, checks their passwords and stores their
// second-factor credential on their own entry.
type Identities struct {
	dial  dialFunc
	ldap  config.LDAPConfig
	attrs config.TOTPConfig
}

func NewIdentities(conn *Connector, totpCfg config.TOTPConfig) *Identities {
	return &Identities{dial: conn.Dial, ldap: conn.Cfg, attrs: totpCfg}
}

func (s *Identities) Lookup(ctx context.Context, username string) (*Identity, error) {
	l, release, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := s.find(l, username, s.identityAttrs())
	if err != nil {
		return nil, err
	}
	return s.identity(entry, username), nil
}

func (s *Identities) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	l, release, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := s.find(l, username, s.identityAttrs())
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := l.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			logger.Warn("ldap_user_bind_failed", map[string]interface{}{
				"user_dn": entry.DN,
			})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: user bind: %v", ErrUnavailable, err)
	}
	return s.identity(entry, username), nil
}

// SetPassword changes a user's password with the password modify extended
// operation, falling back to replacing the password attribute on servers
// that do not support it.
func (s *Identities) SetPassword(ctx context.Context, username, password string) error {
	l, release, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer release()

	entry, err := s.find(l, username, []string{"dn"})
	if err != nil {
		return err
	}

	_, err = l.PasswordModify(ldap.NewPasswordModifyRequest(entry.DN, "", password))
	if err == nil {
		return nil
	}
	if !ldap.IsErrorWithCode(err, ldap.LDAPResultProtocolError) &&
		!ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform) {
		return fmt.Errorf("changing password: %w", err)
	}

	req := ldap.NewModifyRequest(entry.DN, nil)
	req.Replace(s.ldap.PasswordAttribute, []string{password})
	if err := l.Modify(req); err != nil {
		return fmt.Errorf("replacing password attribute: %w", err)
	}
	return nil
}

func (s *Identities) LoadCredential(ctx context.Context, username string) (*totp.Credential, error) {
	l, release, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := s.find(l, username, []string{
		s.attrs.SecretAttribute,
		s.attrs.StatusAttribute,
		s.attrs.EnrolledAttr,
		s.attrs.BackupAttribute,
	})
	if err != nil {
		return nil, err
	}

	cred := &totp.Credential{
		Secret:      firstValue(entry, s.attrs.SecretAttribute),
		Status:      totp.Status(firstValue(entry, s.attrs.StatusAttribute)),
		BackupCodes: entry.GetAttributeValues(s.attrs.BackupAttribute),
	}
	if cred.Status == "" {
		cred.Status = totp.StatusNone
	}
	if raw := firstValue(entry, s.attrs.EnrolledAttr); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			cred.EnrolledAt = t
		}
	}
	return cred, nil
}

// SaveCredential writes every credential attribute in one modify so the
// change is applied atomically.
func (s *Identities) SaveCredential(ctx context.Context, username string, cred *totp.Credential) error {
	l, release, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer release()

	entry, err := s.find(l, username, []string{"dn"})
	if err != nil {
		return err
	}

	enrolled := []string{}
	if !cred.EnrolledAt.IsZero() {
		enrolled = []string{cred.EnrolledAt.UTC().Format(time.RFC3339)}
	}

	req := ldap.NewModifyRequest(entry.DN, nil)
	req.Replace(s.attrs.SecretAttribute, nonEmpty(cred.Secret))
	req.Replace(s.attrs.StatusAttribute, nonEmpty(string(cred.Status)))
	req.Replace(s.attrs.EnrolledAttr, enrolled)
	req.Replace(s.attrs.BackupAttribute, append([]string{}, cred.BackupCodes...))
	if err := l.Modify(req); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// RemoveBackupCode deletes exactly one stored backup-code hash. When the
// value is already gone another redemption won, and ErrValueAbsent is
// returned.
func (s *Identities) RemoveBackupCode(ctx context.Context, username, hash string) error {
	l, release, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer release()

	entry, err := s.find(l, username, []string{"dn"})
	if err != nil {
		return err
	}

	req := ldap.NewModifyRequest(entry.DN, nil)
	req.Delete(s.attrs.BackupAttribute, []string{hash})
	err = l.Modify(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
		return ErrValueAbsent
	}
	if err != nil {
		return fmt.Errorf("removing backup code: %w", err)
	}
	return nil
}

func (s *Identities) find(l session, username string, attrs []string) (*ldap.Entry, error) {
	if username == "" {
		return nil, ErrNotFound
	}
	filter := fmt.Sprintf(s.ldap.UserFilter, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		s.ldap.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		0,
		false,
		filter,
		attrs,
		nil,
	)
	sr, err := l.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrNotFound
		}
		logger.Warn("ldap_search_failed", map[string]interface{}{
			"filter":     filter,
			"searchBase": s.ldap.SearchBase,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("searching for user: %w", err)
	}
	if len(sr.Entries) != 1 {
		return nil, ErrNotFound
	}
	return sr.Entries[0], nil
}

func (s *Identities) identityAttrs() []string {
	return []string{"dn", "uid", "cn", "displayName", s.emailField()}
}

func (s *Identities) emailField() string {
	if s.ldap.EmailField == "" {
		return "mail"
	}
	return s.ldap.EmailField
}

func (s *Identities) identity(entry *ldap.Entry, username string) *Identity {
	name := firstValue(entry, "displayName")
	if name == "" {
		name = firstValue(entry, "cn")
	}
	if name == "" {
		name = username
	}
	return &Identity{
		DN:          entry.DN,
		Username:    username,
		Email:       firstValue(entry, s.emailField()),
		DisplayName: name,
	}
}

func nonEmpty(v string) []string {
	if v == "" {
		return []string{}
	}
	return []string{v}
}
