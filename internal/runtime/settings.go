// Package runtime holds process-wide mutable settings that can be changed
// while the gateway is running, such as cloud credentials entered through
// the settings endpoint. A single instance is constructed at boot and passed
// to the components that need it.
package runtime

import (
	"strings"
	"sync"

	"aibridge/internal/config"
	"aibridge/internal/models"
)

// Settings is a lock-guarded view of the overridable configuration. The
// zero value is usable but empty; use NewSettings to seed from boot config.
type Settings struct {
	mu            sync.RWMutex
	openAIAPIKey  string
	openAIBaseURL string
	profileName   string
	profileEmail  string
}

// NewSettings seeds runtime settings from the boot configuration.
func NewSettings(cfg config.Config) *Settings {
	return &Settings{
		openAIAPIKey:  cfg.OpenAI.APIKey,
		openAIBaseURL: strings.TrimRight(cfg.OpenAI.BaseURL, "/"),
		profileName:   "Operator",
	}
}

// OpenAICredentials returns the current cloud API key and base URL.
func (s *Settings) OpenAICredentials() (apiKey, baseURL string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openAIAPIKey, s.openAIBaseURL
}

// Update applies the non-nil fields of upd and returns the resulting view.
func (s *Settings) Update(upd models.SettingsUpdate) models.SettingsView {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upd.OpenAIAPIKey != nil {
		s.openAIAPIKey = *upd.OpenAIAPIKey
	}
	if upd.OpenAIBaseURL != nil {
		s.openAIBaseURL = strings.TrimRight(*upd.OpenAIBaseURL, "/")
	}
	if upd.ProfileName != nil {
		s.profileName = *upd.ProfileName
	}
	if upd.ProfileEmail != nil {
		s.profileEmail = *upd.ProfileEmail
	}
	return s.viewLocked()
}

// View returns the current settings with the API key reduced to a boolean.
func (s *Settings) View() models.SettingsView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

func (s *Settings) viewLocked() models.SettingsView {
	return models.SettingsView{
		OpenAIAPIKeySet: s.openAIAPIKey != "",
		OpenAIBaseURL:   s.openAIBaseURL,
		ProfileName:     s.profileName,
		ProfileEmail:    s.profileEmail,
	}
}
