package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEmailClient() *EmailClient {
	return &EmailClient{
		ID:              "gmail-web",
		DisplayName:     "Gmail",
		Vendor:          "Google",
		Type:            ClientTypeWeb,
		Platform:        "browser",
		RenderingEngine: "blink",
		Capabilities: Capabilities{
			DarkMode:      true,
			CSS3:          true,
			MediaQueries:  true,
			MaxEmailWidth: 650,
		},
		TestConfig: ClientTestConfig{
			Enabled:      true,
			Priority:     9,
			Timeout:      30 * time.Second,
			Retries:      2,
			DarkModeTest: true,
			Viewports:    []Viewport{{Name: "desktop", Width: 1280, Height: 900}},
		},
	}
}

func TestEmailClient_Validate(t *testing.T) {
	t.Run("valid client", func(t *testing.T) {
		assert.NoError(t, validEmailClient().Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		c := validEmailClient()
		c.ID = ""
		require.Error(t, c.Validate())
	})

	t.Run("bad type", func(t *testing.T) {
		c := validEmailClient()
		c.Type = "watch"
		require.Error(t, c.Validate())
	})

	t.Run("priority bounds", func(t *testing.T) {
		c := validEmailClient()
		c.TestConfig.Priority = 10
		require.Error(t, c.Validate())
	})

	t.Run("no viewports", func(t *testing.T) {
		c := validEmailClient()
		c.TestConfig.Viewports = nil
		require.Error(t, c.Validate())
	})

	t.Run("dark mode test without capability", func(t *testing.T) {
		c := validEmailClient()
		c.Capabilities.DarkMode = false
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dark mode")
	})
}

func TestViewport_Validate(t *testing.T) {
	v := Viewport{Name: "mobile", Width: 375, Height: 812, DevicePixelRatio: 3}
	assert.NoError(t, v.Validate())

	bad := Viewport{Width: -1, Height: 800}
	assert.Error(t, bad.Validate())

	huge := Viewport{Width: 9000, Height: 800}
	assert.Error(t, huge.Validate())
}
