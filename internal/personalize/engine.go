// Package personalize renders campaign content for individual recipients.
// Rendering is deterministic for a given template, recipient, and level:
// the same inputs always produce the same output, which is what makes
// dispatch retries safe.
package personalize

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ErrMissingPlaceholderData is returned when a required template field is
// absent from the recipient's data. The dispatcher treats this as a
// permanent, non-retryable failure.
var ErrMissingPlaceholderData = errors.New("missing placeholder data")

// Template is the authored content of a campaign, with optional variants
// for rule-based personalization.
type Template struct {
	Subject        string
	Body           string
	RequiredFields []string
	Variants       []Variant
	MaxBodyLength  int // 0 means unlimited; SMS campaigns set this
}

// Rendered is the output of a render: final content plus the level that
// actually produced it (AI requests can degrade to advanced).
type Rendered struct {
	Subject      string
	Body         string
	AppliedLevel domain.PersonalizationLevel
}

// Engine renders Liquid templates with recipient data. Parsed templates
// are cached by content hash.
type Engine struct {
	liquid    *liquid.Engine
	cache     sync.Map // template string -> *liquid.Template
	generator Generator
	aiTimeout time.Duration
}

// NewEngine creates a render engine. generator may be nil, in which case
// AI-level requests always degrade to advanced.
func NewEngine(generator Generator, aiTimeout time.Duration) *Engine {
	if aiTimeout <= 0 {
		aiTimeout = 5 * time.Second
	}
	e := &Engine{
		liquid:    liquid.NewEngine(),
		generator: generator,
		aiTimeout: aiTimeout,
	}
	e.registerFilters()
	return e
}

// registerFilters adds the domain-specific Liquid filters templates rely on.
func (e *Engine) registerFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	e.liquid.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	e.liquid.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Title case: {{ city | titlecase }}
	e.liquid.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	// Truncate with ellipsis: {{ description | truncate: 50 }}
	e.liquid.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// URL encode: {{ email | urlencode }}
	e.liquid.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	e.liquid.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// BuildContext flattens a recipient into the variable map templates see.
// Custom attributes are merged in; built-in fields win on collision.
func BuildContext(rec *domain.Recipient) map[string]interface{} {
	ctx := make(map[string]interface{}, len(rec.Attributes)+8)
	for k, v := range rec.Attributes {
		ctx[k] = v
	}
	ctx["first_name"] = rec.FirstName
	ctx["last_name"] = rec.LastName
	ctx["email"] = rec.Email
	ctx["phone"] = rec.Phone
	ctx["city"] = rec.City
	ctx["engagement_tier"] = string(rec.EngagementTier)
	return ctx
}

// Render produces the final subject and body for a recipient at the given
// personalization level. AI failures degrade to the advanced result so a
// generator outage never blocks a send.
func (e *Engine) Render(ctx context.Context, tpl Template, rec *domain.Recipient, level domain.PersonalizationLevel) (*Rendered, error) {
	vars := BuildContext(rec)

	if err := e.checkRequired(tpl.RequiredFields, vars); err != nil {
		return nil, err
	}

	subject, body := tpl.Subject, tpl.Body
	applied := domain.PersonalizationBasic

	if level == domain.PersonalizationAdvanced || level == domain.PersonalizationAI {
		if v := SelectVariant(tpl.Variants, vars); v != nil {
			if v.Subject != "" {
				subject = v.Subject
			}
			if v.Body != "" {
				body = v.Body
			}
		}
		applied = domain.PersonalizationAdvanced
	}

	renderedSubject, err := e.renderString(subject, vars)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	renderedBody, err := e.renderString(body, vars)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	if level == domain.PersonalizationAI && e.generator != nil {
		if aiBody, ok := e.generateAI(ctx, tpl, rec, renderedBody); ok {
			renderedBody = aiBody
			applied = domain.PersonalizationAI
		}
	}

	return &Rendered{
		Subject:      renderedSubject,
		Body:         renderedBody,
		AppliedLevel: applied,
	}, nil
}

// generateAI asks the generator for a personalized body and validates the
// output. Any failure returns ok=false and the caller keeps the advanced
// rendering.
func (e *Engine) generateAI(ctx context.Context, tpl Template, rec *domain.Recipient, baseBody string) (string, bool) {
	genCtx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	defer cancel()

	out, err := e.generator.Generate(genCtx, GenerationContext{
		BaseBody:  baseBody,
		Recipient: rec,
	})
	if err != nil {
		return "", false
	}
	if !validGenerated(out, tpl.MaxBodyLength) {
		return "", false
	}
	return out, true
}

// validGenerated rejects empty output, output over the length budget, and
// output that still contains template syntax.
func validGenerated(s string, maxLen int) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if maxLen > 0 && len(s) > maxLen {
		return false
	}
	if strings.Contains(s, "{{") || strings.Contains(s, "{%") {
		return false
	}
	return true
}

func (e *Engine) checkRequired(fields []string, vars map[string]interface{}) error {
	for _, f := range fields {
		v, ok := vars[f]
		if !ok || v == nil || fmt.Sprintf("%v", v) == "" {
			return fmt.Errorf("%w: %s", ErrMissingPlaceholderData, f)
		}
	}
	return nil
}

func (e *Engine) renderString(tpl string, vars map[string]interface{}) (string, error) {
	if cached, ok := e.cache.Load(tpl); ok {
		return cached.(*liquid.Template).RenderString(vars)
	}
	parsed, err := e.liquid.ParseString(tpl)
	if err != nil {
		return "", err
	}
	e.cache.Store(tpl, parsed)
	return parsed.RenderString(vars)
}
