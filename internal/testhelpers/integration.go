//go:build integration

package testhelpers

import (
	"os"
	"testing"

	"github.com/kjstillabower/city-weather/internal/client"
)

// IntegrationConfig holds settings for tests that hit the real provider.
type IntegrationConfig struct {
	APIKey string
	APIURL string
}

// GetIntegrationConfig loads integration settings from the environment.
// Skips the test if OPENWEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationConfig {
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}
	apiURL := os.Getenv("OPENWEATHER_API_URL")
	if apiURL == "" {
		apiURL = client.DefaultBaseURL
	}
	return IntegrationConfig{APIKey: apiKey, APIURL: apiURL}
}
