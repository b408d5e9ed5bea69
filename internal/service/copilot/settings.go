package copilot

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	apiVersion        = "2022-03-01-preview"
	environmentSuffix = "environment.api.powerplatform.com"
	// idSuffixLength is how many trailing characters of the normalized
	// environment id form the second host label in the public cloud.
	idSuffixLength = 2
)

var (
	ErrMissingEnvironment = errors.New("environment id is required")
	ErrMissingSchema      = errors.New("agent schema name is required")
)

// Settings identify the agent every client built by a Factory talks to.
type Settings struct {
	EnvironmentID string
	SchemaName    string
	// BaseURL replaces the environment-derived https://<host> when set.
	BaseURL string
}

// Validate checks that the settings can address an agent.
func (s Settings) Validate() error {
	if s.SchemaName == "" {
		return ErrMissingSchema
	}
	if s.BaseURL == "" && s.EnvironmentID == "" {
		return ErrMissingEnvironment
	}
	return nil
}

// EnvironmentHost derives the API host for a Power Platform environment id.
func EnvironmentHost(environmentID string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(environmentID), "-", ""))
	if len(normalized) <= idSuffixLength {
		return "", fmt.Errorf("invalid environment id %q", environmentID)
	}
	prefix := normalized[:len(normalized)-idSuffixLength]
	suffix := normalized[len(normalized)-idSuffixLength:]
	return prefix + "." + suffix + "." + environmentSuffix, nil
}

// ConversationURL returns the endpoint that starts a conversation, or posts
// into conversationID when it is set.
func (s Settings) ConversationURL(conversationID string) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	base := s.BaseURL
	if base == "" {
		host, err := EnvironmentHost(s.EnvironmentID)
		if err != nil {
			return "", err
		}
		base = "https://" + host
	}

	path := "/copilotstudio/dataverse-backed/authenticated/bots/" + url.PathEscape(s.SchemaName) + "/conversations"
	if conversationID != "" {
		path += "/" + url.PathEscape(conversationID)
	}

	return strings.TrimRight(base, "/") + path + "?api-version=" + apiVersion, nil
}
