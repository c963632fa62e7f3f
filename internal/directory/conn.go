package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/pkg/logger"
)

var (
	ErrNotFound           = errors.New("entry not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValueAbsent        = errors.New("attribute value not present")
	ErrUnavailable        = errors.New("directory unavailable")
)

// session is the subset of *ldap.Conn used here.
type session interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	PasswordModify(req *ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error)
}

// dialFunc opens a bound session and returns a function releasing it.
type dialFunc func(ctx context.Context) (session, func(), error)

// Connector opens short-lived connections bound as the service account.
type Connector struct {
	Cfg config.LDAPConfig
}

func NewConnector(cfg config.LDAPConfig) *Connector {
	return &Connector{Cfg: cfg}
}

func (c *Connector) Dial(ctx context.Context) (session, func(), error) {
	l, err := c.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func() { l.Close() }

	if c.Cfg.BindDN != "" && c.Cfg.BindPassword != "" {
		if err := l.Bind(c.Cfg.BindDN, c.Cfg.BindPassword); err != nil {
			release()
			logger.Warn("ldap_bind_failed", map[string]interface{}{
				"bind_dn": c.Cfg.BindDN,
				"error":   err.Error(),
			})
			return nil, nil, fmt.Errorf("%w: service bind: %v", ErrUnavailable, err)
		}
	}
	return l, release, nil
}

func (c *Connector) open(ctx context.Context) (*ldap.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: c.Cfg.Timeout}
	l, err := ldap.DialURL(c.Cfg.URL, ldap.DialWithDialer(dialer))
	if err != nil {
		logger.Warn("ldap_dial_failed", map[string]interface{}{
			"url":   c.Cfg.URL,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if c.Cfg.Timeout > 0 {
		l.SetTimeout(c.Cfg.Timeout)
	}

	if c.Cfg.StartTLS && !strings.HasPrefix(strings.ToLower(c.Cfg.URL), "ldaps://") {
		host := hostOf(c.Cfg.URL)
		if err := l.StartTLS(&tls.Config{ServerName: host}); err != nil {
			l.Close()
			logger.Warn("ldap_starttls_failed", map[string]interface{}{
				"url":   c.Cfg.URL,
				"error": err.Error(),
			})
			return nil, fmt.Errorf("%w: starttls: %v", ErrUnavailable, err)
		}
	}
	return l, nil
}

// Ping checks that the directory accepts a service bind.
func (c *Connector) Ping(ctx context.Context) error {
	_, release, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

func hostOf(url string) string {
	clean := strings.TrimPrefix(strings.TrimPrefix(url, "ldap://"), "ldaps://")
	clean = strings.SplitN(clean, "/", 2)[0]
	if host, _, err := net.SplitHostPort(clean); err == nil {
		return host
	}
	return clean
}

func firstValue(entry *ldap.Entry, attr string) string {
	values := entry.GetAttributeValues(attr)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}
