// Package registry serves the static email client catalogue and the read-only
// operations the rest of the system asks of it.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/mailcanary/mailcanary/internal/domain/model"
	apperrors "github.com/mailcanary/mailcanary/internal/errors"
)

// Feature keys accepted by SupportsFeature.
const (
	FeatureDarkMode            = "dark_mode"
	FeatureCSS3                = "css3"
	FeatureMediaQueries        = "media_queries"
	FeatureWebFonts            = "web_fonts"
	FeatureBackgroundImages    = "background_images"
	FeatureInteractiveElements = "interactive_elements"
)

// highPriorityThreshold marks clients whose failures matter most; priority runs 1..9.
const highPriorityThreshold = 7

// Registry holds the immutable client catalogue. Construct once at startup;
// reads are safe from any goroutine.
type Registry struct {
	byID    map[string]model.EmailClient
	ordered []model.EmailClient
}

// New constructs a Registry from the given catalogue, validating every entry.
func New(catalogue []model.EmailClient) (*Registry, error) {
	if len(catalogue) == 0 {
		return nil, fmt.Errorf("client catalogue is empty")
	}

	byID := make(map[string]model.EmailClient, len(catalogue))
	ordered := make([]model.EmailClient, 0, len(catalogue))
	for i := range catalogue {
		c := catalogue[i]
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid catalogue entry: %w", err)
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate client id %q in catalogue", c.ID)
		}
		byID[c.ID] = c
		ordered = append(ordered, c)
	}

	// Highest test priority first; stable on id for deterministic listings.
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TestConfig.Priority != ordered[j].TestConfig.Priority {
			return ordered[i].TestConfig.Priority > ordered[j].TestConfig.Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	return &Registry{byID: byID, ordered: ordered}, nil
}

// MustNew constructs a Registry and panics on an invalid catalogue. Intended
// for wiring the built-in catalogue at startup.
func MustNew(catalogue []model.EmailClient) *Registry {
	r, err := New(catalogue)
	if err != nil {
		panic(err)
	}
	return r
}

// ActiveClients returns the enabled clients ordered by descending test priority.
func (r *Registry) ActiveClients() []model.EmailClient {
	out := make([]model.EmailClient, 0, len(r.ordered))
	for i := range r.ordered {
		if r.ordered[i].TestConfig.Enabled {
			out = append(out, r.ordered[i])
		}
	}
	return out
}

// Client returns the client with the given id, enabled or not.
func (r *Registry) Client(id string) (model.EmailClient, error) {
	c, ok := r.byID[id]
	if !ok {
		return model.EmailClient{}, apperrors.NotFoundf("unknown email client %q", id)
	}
	return c, nil
}

// ResolveActive maps the requested ids onto enabled catalogue entries. Unknown
// ids and disabled clients are validation errors at submit time.
func (r *Registry) ResolveActive(ids []string) ([]model.EmailClient, error) {
	out := make([]model.EmailClient, 0, len(ids))
	for _, id := range ids {
		c, err := r.Client(id)
		if err != nil {
			return nil, apperrors.ValidationField("client_ids", fmt.Sprintf("unknown email client %q", id))
		}
		if !c.TestConfig.Enabled {
			return nil, apperrors.ValidationField("client_ids", fmt.Sprintf("email client %q is disabled", id))
		}
		out = append(out, c)
	}
	return out, nil
}

// SupportsFeature reports whether the client supports the named feature.
// Unknown feature keys report false.
func (r *Registry) SupportsFeature(id, feature string) (bool, error) {
	c, err := r.Client(id)
	if err != nil {
		return false, err
	}

	caps := c.Capabilities
	switch feature {
	case FeatureDarkMode:
		return caps.DarkMode, nil
	case FeatureCSS3:
		return caps.CSS3, nil
	case FeatureMediaQueries:
		return caps.MediaQueries, nil
	case FeatureWebFonts:
		return caps.WebFonts, nil
	case FeatureBackgroundImages:
		return caps.BackgroundImages, nil
	case FeatureInteractiveElements:
		return caps.InteractiveElements, nil
	}
	return false, nil
}

// BaselineScore estimates a compatibility prior for the client from its
// capabilities alone, before any capture runs. Richer rendering support earns
// a higher starting point.
func BaselineScore(c model.EmailClient) int {
	score := 50
	caps := c.Capabilities
	if caps.CSS3 {
		score += 15
	}
	if caps.MediaQueries {
		score += 10
	}
	if caps.WebFonts {
		score += 5
	}
	if caps.BackgroundImages {
		score += 10
	}
	if caps.DarkMode {
		score += 5
	}
	if caps.InteractiveElements {
		score += 5
	}
	if score > 100 {
		score = 100
	}
	return score
}

// IsHighPriority reports whether the client sits in the high-importance band.
func IsHighPriority(c model.EmailClient) bool {
	return c.TestConfig.Priority >= highPriorityThreshold
}

// EstimatedTestDuration predicts how long testing the client takes: the
// configured per-capture timeout for every viewport, doubled when a dark mode
// pass runs too. The timeout already budgets settle and load delays, so it is
// the honest worst case per capture.
func EstimatedTestDuration(c model.EmailClient) time.Duration {
	modes := 1
	if c.TestConfig.DarkModeTest {
		modes = 2
	}
	return time.Duration(len(c.TestConfig.Viewports)*modes) * c.TestConfig.Timeout
}

// EstimateJobDuration sums the estimated duration across the given clients.
// Capture parallelism makes this an upper bound, which is what queue wait
// reporting wants.
func EstimateJobDuration(clients []model.EmailClient) time.Duration {
	var total time.Duration
	for i := range clients {
		total += EstimatedTestDuration(clients[i])
	}
	return total
}
