package directory

import (
	"context"
	"fmt"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/pkg/logger"
)

// SharedEntry is the durable tier of the key-value store: one directory
// entry whose multivalued attribute holds every encoded record. Value
// additions and deletions are single-value modifies, so concurrent writers
// on different records never clobber each other.
type SharedEntry struct {
	dial          dialFunc
	dn            string
	attribute     string
	objectClasses []string
}

func NewSharedEntry(conn *Connector, cfg config.StoreConfig) *SharedEntry {
	return &SharedEntry{
		dial:          conn.Dial,
		dn:            cfg.EntryDN,
		attribute:     cfg.Attribute,
		objectClasses: cfg.ObjectClasses,
	}
}

// Values returns every stored value. A missing entry reads as empty.
func (e *SharedEntry) Values(ctx context.Context) ([]string, error) {
	l, release, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	req := ldap.NewSearchRequest(
		e.dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		0,
		false,
		"(objectClass=*)",
		[]string{e.attribute},
		nil,
	)
	sr, err := l.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading shared entry: %w", err)
	}
	if len(sr.Entries) == 0 {
		return nil, nil
	}
	return sr.Entries[0].GetAttributeValues(e.attribute), nil
}

// Add appends one value, creating the entry on first use.
func (e *SharedEntry) Add(ctx context.Context, value string) error {
	l, release, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.addValue(l, value)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		if err := e.create(l); err != nil {
			return err
		}
		err = e.addValue(l, value)
	}
	if err != nil {
		return fmt.Errorf("adding shared value: %w", err)
	}
	return nil
}

func (e *SharedEntry) addValue(l session, value string) error {
	req := ldap.NewModifyRequest(e.dn, nil)
	req.Add(e.attribute, []string{value})
	err := l.Modify(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
		return nil
	}
	return err
}

// Remove deletes each value with its own modify. Values already gone are
// skipped.
func (e *SharedEntry) Remove(ctx context.Context, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	l, release, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, v := range values {
		req := ldap.NewModifyRequest(e.dn, nil)
		req.Delete(e.attribute, []string{v})
		err := l.Modify(req)
		if err == nil ||
			ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) ||
			ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			continue
		}
		return fmt.Errorf("removing shared value: %w", err)
	}
	return nil
}

// Ensure creates the shared entry when it does not exist yet.
func (e *SharedEntry) Ensure(ctx context.Context) error {
	l, release, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer release()
	return e.create(l)
}

func (e *SharedEntry) create(l session) error {
	dn, err := ldap.ParseDN(e.dn)
	if err != nil || len(dn.RDNs) == 0 || len(dn.RDNs[0].Attributes) == 0 {
		return fmt.Errorf("invalid shared entry DN %q", e.dn)
	}
	rdn := dn.RDNs[0].Attributes[0]

	req := ldap.NewAddRequest(e.dn, nil)
	req.Attribute("objectClass", e.objectClasses)
	req.Attribute(rdn.Type, []string{rdn.Value})
	err = l.Add(req)
	if err == nil {
		logger.Info("shared_entry_created", map[string]interface{}{"dn": e.dn})
		return nil
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		return nil
	}
	return fmt.Errorf("creating shared entry: %w", err)
}
