package model

import "time"

// CaptureMode selects the color scheme a screenshot is taken under.
type CaptureMode string

const (
	// CaptureModeLight renders with the client's light color scheme.
	CaptureModeLight CaptureMode = "light"
	// CaptureModeDark renders with the client's dark color scheme.
	CaptureModeDark CaptureMode = "dark"
)

// Valid returns true if the CaptureMode is known.
func (m CaptureMode) Valid() bool {
	return m == CaptureModeLight || m == CaptureModeDark
}

// CaptureRequest is one screenshot request handed to the capture backend.
type CaptureRequest struct {
	ClientID string        `json:"client_id"`
	HTML     string        `json:"html"`
	Viewport Viewport      `json:"viewport"`
	Mode     CaptureMode   `json:"mode"`
	Delay    time.Duration `json:"delay"`
	LoadWait time.Duration `json:"load_wait"`
}

// CaptureUnit identifies one client x viewport x mode combination of a job's fan-out.
type CaptureUnit struct {
	ClientID string      `json:"client_id"`
	Viewport Viewport    `json:"viewport"`
	Mode     CaptureMode `json:"mode"`
}

// CaptureUnitOutcome records how one capture unit fared, including retries.
type CaptureUnitOutcome struct {
	Unit          CaptureUnit   `json:"unit"`
	OK            bool          `json:"ok"`
	ScreenshotURL string        `json:"screenshot_url,omitempty"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// ClientCaptureOutcome groups a job's unit outcomes for one client.
type ClientCaptureOutcome struct {
	ClientID   string               `json:"client_id"`
	Units      []CaptureUnitOutcome `json:"units"`
	RenderTime time.Duration        `json:"render_time"`
}

// FailedUnits counts the units of this client that did not produce a screenshot.
func (o *ClientCaptureOutcome) FailedUnits() int {
	n := 0
	for i := range o.Units {
		if !o.Units[i].OK {
			n++
		}
	}
	return n
}

// AllFailed reports whether not a single unit of this client succeeded.
func (o *ClientCaptureOutcome) AllFailed() bool {
	return len(o.Units) > 0 && o.FailedUnits() == len(o.Units)
}
