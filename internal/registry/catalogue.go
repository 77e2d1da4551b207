package registry

import (
	"time"

	"github.com/mailcanary/mailcanary/internal/domain/model"
)

// Shared viewport presets used across the catalogue.
var (
	viewportDesktop = model.Viewport{Name: "desktop", Width: 1280, Height: 900, DevicePixelRatio: 1}
	viewportNarrow  = model.Viewport{Name: "narrow", Width: 1024, Height: 768, DevicePixelRatio: 1}
	viewportPhone   = model.Viewport{Name: "phone", Width: 375, Height: 812, DevicePixelRatio: 3}
	viewportTablet  = model.Viewport{Name: "tablet", Width: 768, Height: 1024, DevicePixelRatio: 2}
)

// DefaultCatalogue returns the built-in email client matrix. The catalogue is
// static data: updating it is a deploy, not a runtime operation.
func DefaultCatalogue() []model.EmailClient {
	return []model.EmailClient{
		{
			ID:              "gmail-web",
			DisplayName:     "Gmail",
			Vendor:          "Google",
			Type:            model.ClientTypeWeb,
			Platform:        "browser",
			RenderingEngine: "blink",
			Capabilities: model.Capabilities{
				DarkMode:         true,
				CSS3:             true,
				MediaQueries:     true,
				WebFonts:         false,
				BackgroundImages: true,
				MaxEmailWidth:    650,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        9,
				Timeout:         30 * time.Second,
				Retries:         2,
				ScreenshotDelay: 2 * time.Second,
				LoadWaitTime:    3 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportDesktop, viewportPhone},
			},
		},
		{
			ID:              "gmail-android",
			DisplayName:     "Gmail (Android)",
			Vendor:          "Google",
			Type:            model.ClientTypeMobile,
			Platform:        "android",
			RenderingEngine: "webview",
			Capabilities: model.Capabilities{
				DarkMode:         true,
				CSS3:             true,
				MediaQueries:     false,
				WebFonts:         false,
				BackgroundImages: true,
				MaxEmailWidth:    600,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        8,
				Timeout:         45 * time.Second,
				Retries:         2,
				ScreenshotDelay: 3 * time.Second,
				LoadWaitTime:    5 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportPhone},
			},
		},
		{
			ID:              "outlook-web",
			DisplayName:     "Outlook.com",
			Vendor:          "Microsoft",
			Type:            model.ClientTypeWeb,
			Platform:        "browser",
			RenderingEngine: "blink",
			Capabilities: model.Capabilities{
				DarkMode:         true,
				CSS3:             true,
				MediaQueries:     true,
				WebFonts:         true,
				BackgroundImages: true,
				MaxEmailWidth:    660,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        8,
				Timeout:         30 * time.Second,
				Retries:         2,
				ScreenshotDelay: 2 * time.Second,
				LoadWaitTime:    3 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportDesktop, viewportNarrow},
			},
		},
		{
			ID:              "outlook-desktop",
			DisplayName:     "Outlook (Windows)",
			Vendor:          "Microsoft",
			Type:            model.ClientTypeDesktop,
			Platform:        "windows",
			RenderingEngine: "word",
			Capabilities: model.Capabilities{
				DarkMode:         false,
				CSS3:             false,
				MediaQueries:     false,
				WebFonts:         false,
				BackgroundImages: false,
				MaxEmailWidth:    600,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        7,
				Timeout:         60 * time.Second,
				Retries:         3,
				ScreenshotDelay: 4 * time.Second,
				LoadWaitTime:    6 * time.Second,
				DarkModeTest:    false,
				Viewports:       []model.Viewport{viewportDesktop},
			},
		},
		{
			ID:              "apple-mail-macos",
			DisplayName:     "Apple Mail (macOS)",
			Vendor:          "Apple",
			Type:            model.ClientTypeDesktop,
			Platform:        "macos",
			RenderingEngine: "webkit",
			Capabilities: model.Capabilities{
				DarkMode:            true,
				CSS3:                true,
				MediaQueries:        true,
				WebFonts:            true,
				BackgroundImages:    true,
				InteractiveElements: true,
				MaxEmailWidth:       700,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        7,
				Timeout:         30 * time.Second,
				Retries:         1,
				ScreenshotDelay: 2 * time.Second,
				LoadWaitTime:    2 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportDesktop},
			},
		},
		{
			ID:              "apple-mail-ios",
			DisplayName:     "Apple Mail (iOS)",
			Vendor:          "Apple",
			Type:            model.ClientTypeMobile,
			Platform:        "ios",
			RenderingEngine: "webkit",
			Capabilities: model.Capabilities{
				DarkMode:            true,
				CSS3:                true,
				MediaQueries:        true,
				WebFonts:            true,
				BackgroundImages:    true,
				InteractiveElements: true,
				MaxEmailWidth:       600,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        8,
				Timeout:         45 * time.Second,
				Retries:         2,
				ScreenshotDelay: 3 * time.Second,
				LoadWaitTime:    4 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportPhone, viewportTablet},
			},
		},
		{
			ID:              "yahoo-web",
			DisplayName:     "Yahoo Mail",
			Vendor:          "Yahoo",
			Type:            model.ClientTypeWeb,
			Platform:        "browser",
			RenderingEngine: "blink",
			Capabilities: model.Capabilities{
				DarkMode:         false,
				CSS3:             true,
				MediaQueries:     true,
				WebFonts:         false,
				BackgroundImages: true,
				MaxEmailWidth:    620,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        5,
				Timeout:         30 * time.Second,
				Retries:         2,
				ScreenshotDelay: 2 * time.Second,
				LoadWaitTime:    3 * time.Second,
				DarkModeTest:    false,
				Viewports:       []model.Viewport{viewportDesktop},
			},
		},
		{
			ID:              "thunderbird-desktop",
			DisplayName:     "Thunderbird",
			Vendor:          "Mozilla",
			Type:            model.ClientTypeDesktop,
			Platform:        "linux",
			RenderingEngine: "gecko",
			Capabilities: model.Capabilities{
				DarkMode:         true,
				CSS3:             true,
				MediaQueries:     true,
				WebFonts:         true,
				BackgroundImages: true,
				MaxEmailWidth:    700,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         true,
				Priority:        4,
				Timeout:         30 * time.Second,
				Retries:         1,
				ScreenshotDelay: 2 * time.Second,
				LoadWaitTime:    2 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportDesktop},
			},
		},
		{
			ID:              "samsung-mail",
			DisplayName:     "Samsung Email",
			Vendor:          "Samsung",
			Type:            model.ClientTypeMobile,
			Platform:        "android",
			RenderingEngine: "webview",
			Capabilities: model.Capabilities{
				DarkMode:         true,
				CSS3:             true,
				MediaQueries:     false,
				WebFonts:         false,
				BackgroundImages: true,
				MaxEmailWidth:    580,
			},
			TestConfig: model.ClientTestConfig{
				Enabled:         false,
				Priority:        3,
				Timeout:         45 * time.Second,
				Retries:         2,
				ScreenshotDelay: 3 * time.Second,
				LoadWaitTime:    5 * time.Second,
				DarkModeTest:    true,
				Viewports:       []model.Viewport{viewportPhone},
			},
		},
	}
}
