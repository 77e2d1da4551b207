package model

import (
	"errors"
	"fmt"
	"time"
)

// ClientType categorizes an email client by its platform family.
type ClientType string

const (
	// ClientTypeWeb is a browser-based email client.
	ClientTypeWeb ClientType = "web"
	// ClientTypeDesktop is a native desktop email client.
	ClientTypeDesktop ClientType = "desktop"
	// ClientTypeMobile is a mobile email client.
	ClientTypeMobile ClientType = "mobile"
)

// Valid returns true if the ClientType is one of the known families.
func (t ClientType) Valid() bool {
	return t == ClientTypeWeb || t == ClientTypeDesktop || t == ClientTypeMobile
}

// Viewport describes a capture surface in CSS pixels.
type Viewport struct {
	Name             string  `json:"name"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio,omitempty"`
}

// Validate checks viewport dimensions are usable for capture.
func (v *Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return errors.New("viewport dimensions must be positive")
	}
	if v.Width > 4096 || v.Height > 8192 {
		return fmt.Errorf("viewport %dx%d exceeds capture surface limits", v.Width, v.Height)
	}
	return nil
}

// Capabilities describes the rendering features an email client supports.
// These feed the baseline compatibility prior and issue detection.
type Capabilities struct {
	DarkMode            bool `json:"dark_mode"`
	CSS3                bool `json:"css3"`
	MediaQueries        bool `json:"media_queries"`
	WebFonts            bool `json:"web_fonts"`
	BackgroundImages    bool `json:"background_images"`
	InteractiveElements bool `json:"interactive_elements"`
	// MaxEmailWidth is the widest layout the client renders without clipping, in CSS pixels.
	MaxEmailWidth int `json:"max_email_width"`
}

// ClientTestConfig carries the per-client test parameters from the catalogue.
type ClientTestConfig struct {
	Enabled bool `json:"enabled"`
	// Priority ranks the client's importance for aggregation weighting, 1 (lowest) to 9 (highest).
	Priority        int           `json:"priority"`
	Timeout         time.Duration `json:"timeout"`
	Retries         int           `json:"retries"`
	ScreenshotDelay time.Duration `json:"screenshot_delay"`
	LoadWaitTime    time.Duration `json:"load_wait_time"`
	DarkModeTest    bool          `json:"dark_mode_test"`
	Viewports       []Viewport    `json:"viewports"`
}

// EmailClient is one entry of the client catalogue the registry serves.
type EmailClient struct {
	ID              string           `json:"id"`
	DisplayName     string           `json:"display_name"`
	Vendor          string           `json:"vendor"`
	Type            ClientType       `json:"type"`
	Platform        string           `json:"platform"`
	RenderingEngine string           `json:"rendering_engine"`
	Capabilities    Capabilities     `json:"capabilities"`
	TestConfig      ClientTestConfig `json:"test_config"`
}

// Validate checks a catalogue entry is internally consistent.
func (c *EmailClient) Validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("invalid client type: %q", c.Type)
	}
	if c.TestConfig.Priority < 1 || c.TestConfig.Priority > 9 {
		return fmt.Errorf("client %s: priority must be between 1 and 9", c.ID)
	}
	if c.TestConfig.Timeout <= 0 {
		return fmt.Errorf("client %s: timeout must be positive", c.ID)
	}
	if c.TestConfig.Retries < 0 {
		return fmt.Errorf("client %s: retries must be >= 0", c.ID)
	}
	if len(c.TestConfig.Viewports) == 0 {
		return fmt.Errorf("client %s: at least one viewport is required", c.ID)
	}
	for i := range c.TestConfig.Viewports {
		if err := c.TestConfig.Viewports[i].Validate(); err != nil {
			return fmt.Errorf("client %s: viewport %d: %w", c.ID, i, err)
		}
	}
	if c.TestConfig.DarkModeTest && !c.Capabilities.DarkMode {
		return fmt.Errorf("client %s: dark mode test enabled without dark mode capability", c.ID)
	}
	return nil
}
