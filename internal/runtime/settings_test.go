package runtime_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"aibridge/internal/config"
	"aibridge/internal/models"
	"aibridge/internal/runtime"
)

func seededSettings() *runtime.Settings {
	return runtime.NewSettings(config.Config{
		OpenAI: config.OpenAIConfig{
			APIKey:  "boot-key",
			BaseURL: "https://api.openai.com/v1/",
		},
	})
}

func TestNewSettings_SeedsFromBootConfig(t *testing.T) {
	s := seededSettings()

	key, baseURL := s.OpenAICredentials()
	assert.Equal(t, "boot-key", key)
	assert.Equal(t, "https://api.openai.com/v1", baseURL, "trailing slash trimmed")

	view := s.View()
	assert.True(t, view.OpenAIAPIKeySet)
	assert.Equal(t, "Operator", view.ProfileName)
	assert.Empty(t, view.ProfileEmail)
}

func TestView_NeverExposesAPIKey(t *testing.T) {
	view := seededSettings().View()

	assert.True(t, view.OpenAIAPIKeySet)
	// The view carries only the boolean, so the key cannot leak through a
	// serialized settings response.
	assert.NotContains(t, view.OpenAIBaseURL, "boot-key")
}

func TestUpdate_AppliesOnlyProvidedFields(t *testing.T) {
	s := seededSettings()

	newKey := "rotated-key"
	view := s.Update(models.SettingsUpdate{OpenAIAPIKey: &newKey})

	assert.True(t, view.OpenAIAPIKeySet)
	assert.Equal(t, "https://api.openai.com/v1", view.OpenAIBaseURL)
	assert.Equal(t, "Operator", view.ProfileName)

	key, _ := s.OpenAICredentials()
	assert.Equal(t, "rotated-key", key)
}

func TestUpdate_ClearsAPIKeyWithEmptyString(t *testing.T) {
	s := seededSettings()

	empty := ""
	view := s.Update(models.SettingsUpdate{OpenAIAPIKey: &empty})

	assert.False(t, view.OpenAIAPIKeySet)
	key, _ := s.OpenAICredentials()
	assert.Empty(t, key)
}

func TestUpdate_TrimsBaseURLTrailingSlash(t *testing.T) {
	s := seededSettings()

	url := "https://proxy.internal/v1///"
	view := s.Update(models.SettingsUpdate{OpenAIBaseURL: &url})

	assert.Equal(t, "https://proxy.internal/v1", view.OpenAIBaseURL)
}

func TestUpdate_ProfileFields(t *testing.T) {
	s := seededSettings()

	name, email := "Ada", "ada@example.com"
	view := s.Update(models.SettingsUpdate{ProfileName: &name, ProfileEmail: &email})

	assert.Equal(t, "Ada", view.ProfileName)
	assert.Equal(t, "ada@example.com", view.ProfileEmail)
}

func TestSettings_ConcurrentAccess(t *testing.T) {
	s := seededSettings()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			key := "key"
			s.Update(models.SettingsUpdate{OpenAIAPIKey: &key})
		}()
		go func() {
			defer wg.Done()
			s.OpenAICredentials()
			s.View()
		}()
	}
	wg.Wait()

	key, _ := s.OpenAICredentials()
	assert.Equal(t, "key", key)
}
