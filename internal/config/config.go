package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Required environment variable names.
const (
	EnvAgentAppID     = "COPILOTSTUDIOAGENT__AGENTAPPID"
	EnvClientSecret   = "COPILOTSTUDIOAGENT__CLIENTSECRET"
	EnvTenantID       = "COPILOTSTUDIOAGENT__TENANTID"
	EnvEnvironmentID  = "COPILOTSTUDIOAGENT__ENVIRONMENTID"
	EnvSchemaName     = "COPILOTSTUDIOAGENT__SCHEMANAME"
	EnvAuthorityHost  = "COPILOTSTUDIOAGENT__AUTHORITYHOST"
	EnvBackendBaseURL = "COPILOTSTUDIOAGENT__BASEURL"
)

// RequiredVars lists the variables the process refuses to start without.
var RequiredVars = []string{
	EnvAgentAppID,
	EnvClientSecret,
	EnvTenantID,
	EnvEnvironmentID,
	EnvSchemaName,
}

// MissingError reports every required variable that was not set.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Names, ", ")
}

// Config aggregates the service configuration.
type Config struct {
	Server  ServerConfig
	Agent   AgentConfig
	Session SessionConfig
	UI      UIConfig
	Log     LogConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	if missing := missingRequired(); len(missing) > 0 {
		return nil, &MissingError{Names: missing}
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	agent, err := loadAgentConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	ui := loadUIConfig()

	return &Config{
		Server:  server,
		Agent:   agent,
		Session: session,
		UI:      ui,
		Log:     loadLogConfig(),
	}, nil
}

func missingRequired() []string {
	var missing []string
	for _, name := range RequiredVars {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

func loadServerConfig() (ServerConfig, error) {
	addr, err := normalizeAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}

	var origins []string
	for _, origin := range strings.Split(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}

	return ServerConfig{Addr: addr, AllowedOrigins: origins}, nil
}

// normalizeAddr accepts "7001", ":7001" or "127.0.0.1:7001".
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "7001"
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// WithPort returns a copy of c listening on port.
func (c *Config) WithPort(port string) (*Config, error) {
	addr, err := normalizeAddr(port)
	if err != nil {
		return nil, err
	}
	cp := *c
	cp.Server.Addr = addr
	return &cp, nil
}

// AgentConfig binds the relay to one Copilot Studio agent.
type AgentConfig struct {
	AppID         string
	ClientSecret  string
	TenantID      string
	EnvironmentID string
	SchemaName    string
	AuthorityHost string
	// BaseURL overrides the environment-derived backend host when set.
	BaseURL string
	// StreamTimeout bounds one turn-stream drain. Zero means unbounded.
	StreamTimeout time.Duration
}

// Scopes returns the OAuth scopes requested at login.
func (c AgentConfig) Scopes() []string {
	return []string{"openid", "profile", "offline_access", "https://api.powerplatform.com/.default"}
}

func loadAgentConfig() (AgentConfig, error) {
	timeout, err := parseDurationEnv("AGENT_STREAM_TIMEOUT", 0)
	if err != nil {
		return AgentConfig{}, err
	}

	return AgentConfig{
		AppID:         strings.TrimSpace(os.Getenv(EnvAgentAppID)),
		ClientSecret:  strings.TrimSpace(os.Getenv(EnvClientSecret)),
		TenantID:      strings.TrimSpace(os.Getenv(EnvTenantID)),
		EnvironmentID: strings.TrimSpace(os.Getenv(EnvEnvironmentID)),
		SchemaName:    strings.TrimSpace(os.Getenv(EnvSchemaName)),
		AuthorityHost: strings.TrimRight(getEnvOrDefault(EnvAuthorityHost, "https://login.microsoftonline.com"), "/"),
		BaseURL:       strings.TrimRight(getEnvOrDefault(EnvBackendBaseURL, ""), "/"),
		StreamTimeout: timeout,
	}, nil
}

// SessionConfig controls the browser session cookie.
type SessionConfig struct {
	Secret []byte
	TTL    time.Duration
	Secure bool
}

func loadSessionConfig() (SessionConfig, error) {
	ttl, err := parseDurationEnv("SESSION_TTL", 12*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}
	if ttl <= 0 {
		return SessionConfig{}, fmt.Errorf("SESSION_TTL must be > 0")
	}

	secure, err := parseBoolEnv("SESSION_COOKIE_SECURE", false)
	if err != nil {
		return SessionConfig{}, err
	}

	secret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return SessionConfig{}, fmt.Errorf("generate session secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}

	return SessionConfig{Secret: []byte(secret), TTL: ttl, Secure: secure}, nil
}

// UIConfig holds chat page switches.
type UIConfig struct {
	ShowFeedback bool
}

// loadUIConfig enables feedback when SHOW_FEEDBACK is unset or "true" in any
// case. Any other value disables it.
func loadUIConfig() UIConfig {
	raw := strings.TrimSpace(os.Getenv("SHOW_FEEDBACK"))
	return UIConfig{ShowFeedback: raw == "" || strings.EqualFold(raw, "true")}
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// File receives a size-rotated copy of stdout. Empty disables file output.
	File  string
	Level string
}

func loadLogConfig() LogConfig {
	file := getEnvOrDefault("LOG_FILE", fmt.Sprintf("copilot_relay_%s.log", time.Now().Format("20060102")))
	if file == "-" {
		file = ""
	}
	return LogConfig{
		File:  file,
		Level: strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
