package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	LDAP    LDAPConfig    `toml:"ldap"`
	Store   StoreConfig   `toml:"store"`
	Cache   CacheConfig   `toml:"cache"`
	Session SessionConfig `toml:"session"`
	Reset   ResetConfig   `toml:"reset"`
	Login   LoginConfig   `toml:"login"`
	TOTP    TOTPConfig    `toml:"totp"`
	Audit   AuditConfig   `toml:"audit"`
	Archive ArchiveConfig `toml:"archive"`
	JWT     JWTConfig     `toml:"jwt"`
}

type ServerConfig struct {
	Port          string   `toml:"port"`
	FrontendURL   string   `toml:"frontend_url"`
	AdminUsers    []string `toml:"admin_users"`
	SecureCookies bool     `toml:"secure_cookies"`
}

type LDAPConfig struct {
	URL               string        `toml:"url"`
	BindDN            string        `toml:"bind_dn"`
	BindPassword      string        `toml:"bind_password"`
	StartTLS          bool          `toml:"start_tls"`
	Timeout           time.Duration `toml:"timeout"`
	SearchBase        string        `toml:"search_base"`
	UserFilter        string        `toml:"user_filter"`
	EmailField        string        `toml:"email_field"`
	PasswordAttribute string        `toml:"password_attribute"`
}

// StoreConfig describes the shared directory entry holding durable records.
type StoreConfig struct {
	Enabled       bool     `toml:"enabled"`
	EntryDN       string   `toml:"entry_dn"`
	Attribute     string   `toml:"attribute"`
	ObjectClasses []string `toml:"object_classes"`
}

type CacheConfig struct {
	Dir string `toml:"dir"`
}

type SessionConfig struct {
	Lifetime   time.Duration `toml:"lifetime"`
	CookieName string        `toml:"cookie_name"`
	GCInterval time.Duration `toml:"gc_interval"`
}

type ResetConfig struct {
	TokenTTL          time.Duration `toml:"token_ttl"`
	MaxAttempts       int           `toml:"max_attempts"`
	LockoutDuration   time.Duration `toml:"lockout_duration"`
	SingleUseValidate bool          `toml:"single_use_validate"`
	RequestsPerWindow int           `toml:"requests_per_window"`
	RequestWindow     time.Duration `toml:"request_window"`
}

type LoginConfig struct {
	MaxAttempts     int           `toml:"max_attempts"`
	LockoutDuration time.Duration `toml:"lockout_duration"`
	RatePerWindow   int           `toml:"rate_per_window"`
	RateWindow      time.Duration `toml:"rate_window"`
}

type TOTPConfig struct {
	Issuer           string `toml:"issuer"`
	Digits           int    `toml:"digits"`
	Period           uint   `toml:"period"`
	Window           int    `toml:"window"`
	GraceDays        int    `toml:"grace_days"`
	Mandatory        bool   `toml:"mandatory"`
	BackupCodeCount  int    `toml:"backup_code_count"`
	BackupCodeLength int    `toml:"backup_code_length"`
	EncryptionSecret string `toml:"encryption_secret"`
	SecretAttribute  string `toml:"secret_attribute"`
	StatusAttribute  string `toml:"status_attribute"`
	EnrolledAttr     string `toml:"enrolled_attribute"`
	BackupAttribute  string `toml:"backup_attribute"`
}

type AuditConfig struct {
	Enabled       bool     `toml:"enabled"`
	Backend       string   `toml:"backend"`
	Path          string   `toml:"path"`
	Driver        string   `toml:"driver"`
	DSN           string   `toml:"dsn"`
	RetentionDays int      `toml:"retention_days"`
	ProxyHeaders  []string `toml:"proxy_headers"`
}

type ArchiveConfig struct {
	Endpoint  string        `toml:"endpoint"`
	AccessKey string        `toml:"access_key"`
	SecretKey string        `toml:"secret_key"`
	Bucket    string        `toml:"bucket"`
	UseSSL    bool          `toml:"use_ssl"`
	Interval  time.Duration `toml:"interval"`
}

type JWTConfig struct {
	Secret       string        `toml:"secret"`
	ChallengeTTL time.Duration `toml:"challenge_ttl"`
}

// Default returns the built-in settings used when neither a config file nor
// environment variables provide a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			FrontendURL: "http://localhost:3000",
		},
		LDAP: LDAPConfig{
			URL:               "ldap://localhost:389",
			Timeout:           5 * time.Second,
			SearchBase:        "dc=example,dc=org",
			UserFilter:        "(&(objectClass=inetOrgPerson)(uid=%s))",
			EmailField:        "mail",
			PasswordAttribute: "userPassword",
		},
		Store: StoreConfig{
			Enabled:       true,
			EntryDN:       "cn=ldapconsole-state,dc=example,dc=org",
			Attribute:     "description",
			ObjectClasses: []string{"top", "applicationProcess"},
		},
		Cache: CacheConfig{
			Dir: os.TempDir() + "/ldapconsole-cache",
		},
		Session: SessionConfig{
			Lifetime:   30 * time.Minute,
			CookieName: "console_session",
			GCInterval: 10 * time.Minute,
		},
		Reset: ResetConfig{
			TokenTTL:          time.Hour,
			MaxAttempts:       5,
			LockoutDuration:   15 * time.Minute,
			RequestsPerWindow: 3,
			RequestWindow:     time.Hour,
		},
		Login: LoginConfig{
			MaxAttempts:     5,
			LockoutDuration: 15 * time.Minute,
			RatePerWindow:   20,
			RateWindow:      5 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:           "LDAP Console",
			Digits:           6,
			Period:           30,
			Window:           1,
			GraceDays:        7,
			BackupCodeCount:  10,
			BackupCodeLength: 8,
			SecretAttribute:  "totpSecret",
			StatusAttribute:  "totpStatus",
			EnrolledAttr:     "totpEnrolledAt",
			BackupAttribute:  "totpBackupCode",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Backend:       "file",
			Path:          "audit.log",
			Driver:        "sqlite",
			RetentionDays: 90,
			ProxyHeaders:  []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"},
		},
		Archive: ArchiveConfig{
			Bucket:   "ldapconsole-audit",
			Interval: 24 * time.Hour,
		},
		JWT: JWTConfig{
			Secret:       "change-me-in-production",
			ChallengeTTL: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, then the TOML file named by
// CONSOLE_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path, ok := os.LookupEnv("CONSOLE_CONFIG"); ok && path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("SERVER_PORT", cfg.Server.Port)
	cfg.Server.FrontendURL = getEnv("FRONTEND_URL", cfg.Server.FrontendURL)
	cfg.Server.AdminUsers = getEnvAsList("CONSOLE_ADMINS", cfg.Server.AdminUsers)
	cfg.Server.SecureCookies = getEnvAsBool("SECURE_COOKIES", cfg.Server.SecureCookies)

	cfg.LDAP.URL = getEnv("LDAP_URL", cfg.LDAP.URL)
	cfg.LDAP.BindDN = getEnv("LDAP_BIND_DN", cfg.LDAP.BindDN)
	cfg.LDAP.BindPassword = getEnv("LDAP_BIND_PASSWORD", cfg.LDAP.BindPassword)
	cfg.LDAP.StartTLS = getEnvAsBool("LDAP_START_TLS", cfg.LDAP.StartTLS)
	cfg.LDAP.Timeout = getEnvAsDuration("LDAP_TIMEOUT", cfg.LDAP.Timeout)
	cfg.LDAP.SearchBase = getEnv("LDAP_SEARCH_BASE", cfg.LDAP.SearchBase)
	cfg.LDAP.UserFilter = getEnv("LDAP_USER_FILTER", cfg.LDAP.UserFilter)
	cfg.LDAP.EmailField = getEnv("LDAP_EMAIL_FIELD", cfg.LDAP.EmailField)

	cfg.Store.Enabled = getEnvAsBool("STORE_ENABLED", cfg.Store.Enabled)
	cfg.Store.EntryDN = getEnv("STORE_ENTRY_DN", cfg.Store.EntryDN)
	cfg.Store.Attribute = getEnv("STORE_ATTRIBUTE", cfg.Store.Attribute)

	cfg.Cache.Dir = getEnv("CACHE_DIR", cfg.Cache.Dir)

	cfg.Session.Lifetime = getEnvAsDuration("SESSION_LIFETIME", cfg.Session.Lifetime)
	cfg.Session.CookieName = getEnv("SESSION_COOKIE", cfg.Session.CookieName)
	cfg.Session.GCInterval = getEnvAsDuration("SESSION_GC_INTERVAL", cfg.Session.GCInterval)

	cfg.Reset.TokenTTL = getEnvAsDuration("RESET_TOKEN_TTL", cfg.Reset.TokenTTL)
	cfg.Reset.MaxAttempts = getEnvAsInt("RESET_MAX_ATTEMPTS", cfg.Reset.MaxAttempts)
	cfg.Reset.LockoutDuration = getEnvAsDuration("RESET_LOCKOUT_DURATION", cfg.Reset.LockoutDuration)
	cfg.Reset.SingleUseValidate = getEnvAsBool("RESET_SINGLE_USE_VALIDATE", cfg.Reset.SingleUseValidate)

	cfg.Login.MaxAttempts = getEnvAsInt("LOGIN_MAX_ATTEMPTS", cfg.Login.MaxAttempts)
	cfg.Login.LockoutDuration = getEnvAsDuration("LOGIN_LOCKOUT_DURATION", cfg.Login.LockoutDuration)

	cfg.TOTP.Issuer = getEnv("TOTP_ISSUER", cfg.TOTP.Issuer)
	cfg.TOTP.Window = getEnvAsInt("TOTP_WINDOW", cfg.TOTP.Window)
	cfg.TOTP.GraceDays = getEnvAsInt("TOTP_GRACE_DAYS", cfg.TOTP.GraceDays)
	cfg.TOTP.Mandatory = getEnvAsBool("TOTP_MANDATORY", cfg.TOTP.Mandatory)
	cfg.TOTP.EncryptionSecret = getEnv("TOTP_ENCRYPTION_SECRET", cfg.TOTP.EncryptionSecret)

	cfg.Audit.Enabled = getEnvAsBool("AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.Backend = getEnv("AUDIT_BACKEND", cfg.Audit.Backend)
	cfg.Audit.Path = getEnv("AUDIT_PATH", cfg.Audit.Path)
	cfg.Audit.Driver = getEnv("AUDIT_DB_DRIVER", cfg.Audit.Driver)
	cfg.Audit.DSN = getEnv("AUDIT_DB_DSN", cfg.Audit.DSN)
	cfg.Audit.RetentionDays = getEnvAsInt("AUDIT_RETENTION_DAYS", cfg.Audit.RetentionDays)
	cfg.Audit.ProxyHeaders = getEnvAsList("AUDIT_PROXY_HEADERS", cfg.Audit.ProxyHeaders)

	cfg.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", cfg.Archive.Endpoint)
	cfg.Archive.AccessKey = getEnv("ARCHIVE_ACCESS_KEY", cfg.Archive.AccessKey)
	cfg.Archive.SecretKey = getEnv("ARCHIVE_SECRET_KEY", cfg.Archive.SecretKey)
	cfg.Archive.Bucket = getEnv("ARCHIVE_BUCKET", cfg.Archive.Bucket)
	cfg.Archive.UseSSL = getEnvAsBool("ARCHIVE_USE_SSL", cfg.Archive.UseSSL)
	cfg.Archive.Interval = getEnvAsDuration("ARCHIVE_INTERVAL", cfg.Archive.Interval)

	cfg.JWT.Secret = getEnv("JWT_SECRET", cfg.JWT.Secret)
	cfg.JWT.ChallengeTTL = getEnvAsDuration("JWT_CHALLENGE_TTL", cfg.JWT.ChallengeTTL)
}

// IsAdmin reports whether username is listed in Server.AdminUsers.
func (c *Config) IsAdmin(username string) bool {
	for _, admin := range c.Server.AdminUsers {
		if strings.EqualFold(admin, username) {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
