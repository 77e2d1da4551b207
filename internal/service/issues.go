package service

import (
	"fmt"
	"log/slog"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/mailcanary/mailcanary/internal/domain/model"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// IssueRule matches a rendering problem with a JMESPath expression evaluated
// against the per-client capture document. The expression must yield a boolean;
// true means the issue fires.
type IssueRule struct {
	Name           string              `json:"name"`
	Expression     string              `json:"expression"`
	Severity       model.IssueSeverity `json:"severity"`
	Category       string              `json:"category"`
	Description    string              `json:"description"`
	Recommendation string              `json:"recommendation,omitempty"`
}

// IssueDetectorOptions groups dependencies for IssueDetector.
type IssueDetectorOptions struct {
	Rules     []IssueRule       // Required: at least one rule
	Evaluator JMESPathEvaluator // Optional: defaults to the go-jmespath library
	Logger    *slog.Logger      // Optional: structured logger
}

// IssueDetector evaluates rule expressions against capture outcomes to produce
// the issue list feeding the compatibility score.
type IssueDetector struct {
	rules  []IssueRule
	jems   JMESPathEvaluator
	logger *slog.Logger
}

// NewIssueDetector constructs an IssueDetector, validating every rule expression.
func NewIssueDetector(opts IssueDetectorOptions) (*IssueDetector, error) {
	if len(opts.Rules) == 0 {
		return nil, fmt.Errorf("at least one issue rule is required")
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}

	for i := range opts.Rules {
		rule := &opts.Rules[i]
		if strings.TrimSpace(rule.Name) == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if strings.TrimSpace(rule.Expression) == "" {
			return nil, fmt.Errorf("rule %q: expression is required", rule.Name)
		}
		if !rule.Severity.Valid() {
			return nil, fmt.Errorf("rule %q: invalid severity %q", rule.Name, rule.Severity)
		}
		if err := jems.Validate(rule.Expression); err != nil {
			return nil, fmt.Errorf("rule %q: invalid expression: %w", rule.Name, err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "issue_detector")
	}

	return &IssueDetector{
		rules:  opts.Rules,
		jems:   jems,
		logger: logger,
	}, nil
}

// MustNewIssueDetector constructs an IssueDetector and panics on error.
func MustNewIssueDetector(opts IssueDetectorOptions) *IssueDetector {
	d, err := NewIssueDetector(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when the built-in rules are invalid during startup
		panic(fmt.Sprintf("failed to create IssueDetector: %v", err))
	}
	return d
}

// Detect runs every rule against the capture document for one client and
// returns the issues that fired. A rule evaluation error skips that rule; a
// broken rule must never sink an otherwise healthy render test.
func (d *IssueDetector) Detect(client model.EmailClient, outcome *model.ClientCaptureOutcome) []model.Issue {
	doc := buildCaptureDocument(client, outcome)

	var issues []model.Issue
	for i := range d.rules {
		rule := &d.rules[i]
		result, err := d.jems.Evaluate(rule.Expression, doc)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("issue rule evaluation failed",
					"rule", rule.Name,
					"client", client.ID,
					"error", err,
				)
			}
			continue
		}
		fired, ok := result.(bool)
		if !ok || !fired {
			continue
		}
		issues = append(issues, model.Issue{
			Severity:       rule.Severity,
			Category:       rule.Category,
			Description:    rule.Description,
			Recommendation: rule.Recommendation,
		})
	}
	return issues
}

// buildCaptureDocument flattens a client and its capture outcome into the
// JSON-shaped document rule expressions run against. All numbers are float64
// so JMESPath comparisons behave like they would on parsed JSON.
func buildCaptureDocument(client model.EmailClient, outcome *model.ClientCaptureOutcome) map[string]any {
	var (
		totalUnits      = len(outcome.Units)
		failedUnits     int
		darkUnits       int
		darkFailedUnits int
		retriedUnits    int
		totalUnitMS     float64
		maxUnitMS       float64
	)
	for i := range outcome.Units {
		u := &outcome.Units[i]
		if !u.OK {
			failedUnits++
		}
		if u.Unit.Mode == model.CaptureModeDark {
			darkUnits++
			if !u.OK {
				darkFailedUnits++
			}
		}
		if u.Attempts > 1 {
			retriedUnits++
		}
		ms := float64(u.Duration.Milliseconds())
		totalUnitMS += ms
		if ms > maxUnitMS {
			maxUnitMS = ms
		}
	}

	avgUnitMS := float64(0)
	if totalUnits > 0 {
		avgUnitMS = totalUnitMS / float64(totalUnits)
	}

	return map[string]any{
		"client": map[string]any{
			"id":               client.ID,
			"type":             string(client.Type),
			"rendering_engine": client.RenderingEngine,
			"priority":         float64(client.TestConfig.Priority),
			"dark_mode":        client.Capabilities.DarkMode,
			"css3":             client.Capabilities.CSS3,
			"media_queries":    client.Capabilities.MediaQueries,
			"web_fonts":        client.Capabilities.WebFonts,
			"max_email_width":  float64(client.Capabilities.MaxEmailWidth),
		},
		"capture": map[string]any{
			"total_units":       float64(totalUnits),
			"failed_units":      float64(failedUnits),
			"dark_units":        float64(darkUnits),
			"dark_failed_units": float64(darkFailedUnits),
			"retried_units":     float64(retriedUnits),
			"avg_unit_ms":       avgUnitMS,
			"max_unit_ms":       maxUnitMS,
			"render_ms":         float64(outcome.RenderTime.Milliseconds()),
		},
	}
}

// DefaultIssueRules returns the built-in rule set applied to every render test.
func DefaultIssueRules() []IssueRule {
	return []IssueRule{
		{
			Name:           "partial-capture-failure",
			Expression:     "capture.failed_units > `0` && capture.failed_units < capture.total_units",
			Severity:       model.SeverityMajor,
			Category:       "rendering",
			Description:    "Some viewport or mode combinations failed to render",
			Recommendation: "Simplify the email markup; check client-specific CSS support",
		},
		{
			Name:           "dark-mode-failure",
			Expression:     "client.dark_mode && capture.dark_failed_units > `0`",
			Severity:       model.SeverityMajor,
			Category:       "dark_mode",
			Description:    "Dark mode rendering failed in a client that supports it",
			Recommendation: "Add prefers-color-scheme media queries and test transparent images",
		},
		{
			Name:           "slow-render",
			Expression:     "capture.avg_unit_ms > `10000`",
			Severity:       model.SeverityMinor,
			Category:       "performance",
			Description:    "Rendering was unusually slow in this client",
			Recommendation: "Reduce image weight and inline CSS size",
		},
		{
			Name:           "flaky-capture",
			Expression:     "capture.retried_units > `0` && capture.failed_units == `0`",
			Severity:       model.SeverityMinor,
			Category:       "reliability",
			Description:    "Captures needed retries before succeeding",
		},
		{
			Name:           "narrow-client",
			Expression:     "client.max_email_width < `600`",
			Severity:       model.SeverityMinor,
			Category:       "layout",
			Description:    "Client renders emails narrower than the common 600px layout",
			Recommendation: "Use fluid-hybrid layout so content reflows below 600px",
		},
		{
			Name:           "no-web-fonts",
			Expression:     "!client.web_fonts && capture.total_units > `0`",
			Severity:       model.SeverityMinor,
			Category:       "typography",
			Description:    "Client does not load web fonts; fallback fonts will render",
			Recommendation: "Declare a font stack with well-matched system fallbacks",
		},
	}
}
