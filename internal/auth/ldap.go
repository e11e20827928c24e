package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// LDAPConfig configures one LDAP or Active Directory provider.
type LDAPConfig struct {
	Name            string
	URL             string // ldap:// or ldaps://
	BindDN          string
	BindPassword    string
	BaseDN          string
	UserFilter      string // e.g. "(uid=%s)"; %s substituted with the username
	UserDNTemplate  string // e.g. "uid=%s,ou=people,dc=example,dc=com"; preferred over UserFilter when set
	GroupSearchBase string
	GroupFilter     string // e.g. "(member=%s)"; %s substituted with the user's DN
	ActiveDirectory bool
	DefaultDomain   string // used to build a UPN for AD binds
	BindTimeout     time.Duration
	TLSConfig       *tls.Config
}

// LDAPProvider authenticates against an LDAP or Active Directory tree via
// service-bind, search, then rebind-as-user
type LDAPProvider struct {
	cfg   LDAPConfig
	dial  func(cfg LDAPConfig) (*ldap.Conn, error)
	log   logger.Logger
}

func NewLDAPProvider(cfg LDAPConfig, log logger.Logger) *LDAPProvider {
	if log == nil {
		log = logger.Discard
	}
	return &LDAPProvider{cfg: cfg, dial: dialLDAP, log: log}
}

func dialLDAP(cfg LDAPConfig) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(cfg.URL, ldap.DialWithTLSConfig(cfg.TLSConfig))
	if err != nil {
		return nil, err
	}
	if cfg.BindTimeout > 0 {
		conn.SetTimeout(cfg.BindTimeout)
	}
	return conn, nil
}

func (p *LDAPProvider) Name() string { return p.cfg.Name }
func (p *LDAPProvider) Type() string {
	if p.cfg.ActiveDirectory {
		return "active_directory"
	}
	return "ldap"
}

func (p *LDAPProvider) Begin(_ context.Context, _ CompleteRequest) (BeginResult, error) {
	return BeginResult{Type: "form"}, nil
}

// Complete performs the service-bind, resolves the user's DN, rebinds as
// the user to verify the password, and collects group membership.
func (p *LDAPProvider) Complete(_ context.Context, req CompleteRequest) (Result, error) {
	username := req.Username
	if username == "" || req.Password == "" {
		return Result{}, apperr.Validation("username and password required")
	}

	conn, err := p.dial(p.cfg)
	if err != nil {
		return Result{}, apperr.Upstream("connect to directory", err)
	}
	defer conn.Close()

	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			return Result{}, apperr.Upstream("service bind", err)
		}
	}

	userDN, attrs, err := p.resolveUser(conn, username)
	if err != nil {
		return Result{}, err
	}

	if err := conn.Bind(userDN, req.Password); err != nil {
		return Result{}, apperr.New(apperr.KindAuth, "invalid credentials")
	}
	// Re-bind as the service account so the connection can still be used
	// for the group search below.
	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			return Result{}, apperr.Upstream("service rebind after user verification", err)
		}
	}

	roles := p.groupsFor(conn, userDN, attrs)

	result := Result{
		ExternalID:   userDN,
		Username:     username,
		ProviderName: p.cfg.Name,
		Attributes:   map[string]any{"dn": userDN},
		Roles:        roles,
	}
	if attrs != nil {
		if mail := attrs.GetAttributeValue("mail"); mail != "" {
			result.Email = mail
		}
		if cn := attrs.GetAttributeValue("cn"); cn != "" {
			result.DisplayName = cn
		}
	}
	return result, nil
}

// resolveUser finds the target entry either by a DN template (preferred,
// avoids a search round-trip) or by searching UserFilter under BaseDN.
func (p *LDAPProvider) resolveUser(conn *ldap.Conn, username string) (string, *ldap.Entry, error) {
	if p.cfg.ActiveDirectory {
		upn := username
		if !strings.Contains(username, "@") && p.cfg.DefaultDomain != "" {
			upn = username + "@" + p.cfg.DefaultDomain
		}
		entry, err := p.searchOne(conn, fmt.Sprintf("(userPrincipalName=%s)", ldap.EscapeFilter(upn)))
		if err == nil {
			return entry.DN, entry, nil
		}
		p.log.Debug("auth: ldap upn search failed for %s, falling back to dn template: %v", username, err)
	}

	if p.cfg.UserDNTemplate != "" {
		dn := fmt.Sprintf(p.cfg.UserDNTemplate, username)
		entry, err := p.searchOne(conn, fmt.Sprintf("(distinguishedName=%s)", ldap.EscapeFilter(dn)))
		if err != nil {
			// Fall back to the bare templated DN without attribute
			// enrichment; the bind below still validates the password.
			return dn, nil, nil
		}
		return entry.DN, entry, nil
	}

	if p.cfg.UserFilter != "" {
		filter := fmt.Sprintf(p.cfg.UserFilter, ldap.EscapeFilter(username))
		entry, err := p.searchOne(conn, filter)
		if err != nil {
			return "", nil, err
		}
		return entry.DN, entry, nil
	}

	return "", nil, apperr.Internal("ldap provider has neither user_dn_template nor user_filter configured", nil)
}

func (p *LDAPProvider) searchOne(conn *ldap.Conn, filter string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{"cn", "mail", "memberOf"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, apperr.Upstream("ldap search", err)
	}
	if len(res.Entries) == 0 {
		return nil, apperr.New(apperr.KindAuth, "invalid credentials")
	}
	return res.Entries[0], nil
}

// groupsFor collects role names from the user's memberOf attribute and, if
// configured, a separate group search.
func (p *LDAPProvider) groupsFor(conn *ldap.Conn, userDN string, attrs *ldap.Entry) []string {
	var groups []string
	if attrs != nil {
		groups = append(groups, attrs.GetAttributeValues("memberOf")...)
	}

	if p.cfg.GroupSearchBase != "" && p.cfg.GroupFilter != "" {
		filter := fmt.Sprintf(p.cfg.GroupFilter, ldap.EscapeFilter(userDN))
		req := ldap.NewSearchRequest(
			p.cfg.GroupSearchBase,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter,
			[]string{"cn"},
			nil,
		)
		res, err := conn.Search(req)
		if err != nil {
			p.log.Warn("auth: ldap group search failed: %v", err)
			return groups
		}
		for _, entry := range res.Entries {
			groups = append(groups, entry.DN)
		}
	}
	return groups
}
