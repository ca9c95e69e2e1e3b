package personalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func testRecipient() *domain.Recipient {
	return &domain.Recipient{
		ID:             "r1",
		Email:          "jane@example.com",
		FirstName:      "jane",
		City:           "austin",
		EngagementTier: domain.TierHigh,
		Attributes: map[string]any{
			"property_type": "condo",
			"budget":        450000,
		},
	}
}

func TestRenderBasic(t *testing.T) {
	e := NewEngine(nil, 0)
	tpl := Template{
		Subject: "New {{ property_type }} listings in {{ city | titlecase }}",
		Body:    "Hi {{ first_name | capitalize }}, we found homes under {{ budget }}.",
	}

	out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationBasic)
	require.NoError(t, err)
	assert.Equal(t, "New condo listings in Austin", out.Subject)
	assert.Equal(t, "Hi Jane, we found homes under 450000.", out.Body)
	assert.Equal(t, domain.PersonalizationBasic, out.AppliedLevel)
}

func TestRenderDeterministic(t *testing.T) {
	e := NewEngine(nil, 0)
	tpl := Template{
		Subject: "Hello {{ first_name | capitalize }}",
		Body:    "{{ city | titlecase }} update for {{ engagement_tier }} members",
	}
	rec := testRecipient()

	first, err := e.Render(context.Background(), tpl, rec, domain.PersonalizationAdvanced)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Render(context.Background(), tpl, rec, domain.PersonalizationAdvanced)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRenderMissingRequiredField(t *testing.T) {
	e := NewEngine(nil, 0)
	tpl := Template{
		Subject:        "Hi {{ first_name }}",
		Body:           "Your {{ property_type }} report",
		RequiredFields: []string{"first_name", "property_type"},
	}
	rec := testRecipient()
	rec.Attributes = nil // property_type gone

	_, err := e.Render(context.Background(), tpl, rec, domain.PersonalizationBasic)
	assert.ErrorIs(t, err, ErrMissingPlaceholderData)
}

func TestRenderDefaultFilter(t *testing.T) {
	e := NewEngine(nil, 0)
	tpl := Template{Body: `Hi {{ first_name | default: "Friend" }}`}
	rec := &domain.Recipient{Email: "x@example.com"}

	out, err := e.Render(context.Background(), tpl, rec, domain.PersonalizationBasic)
	require.NoError(t, err)
	assert.Equal(t, "Hi Friend", out.Body)
}

func TestRenderAdvancedVariantSelection(t *testing.T) {
	e := NewEngine(nil, 0)
	tpl := Template{
		Subject: "Base subject",
		Body:    "Base body for {{ first_name }}",
		Variants: []Variant{
			{
				Name:  "sms-only",
				Rules: []Rule{{Field: "phone", Op: "exists"}},
				Body:  "Never selected: recipient has no phone",
			},
			{
				Name:    "high-engagement",
				Rules:   []Rule{{Field: "engagement_tier", Op: "eq", Value: "high"}},
				Subject: "VIP preview for {{ first_name | capitalize }}",
			},
		},
	}

	out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationAdvanced)
	require.NoError(t, err)
	// Variant overrides subject, base body is kept
	assert.Equal(t, "VIP preview for Jane", out.Subject)
	assert.Equal(t, "Base body for jane", out.Body)
	assert.Equal(t, domain.PersonalizationAdvanced, out.AppliedLevel)
}

func TestRenderAdvancedFallsBackToBase(t *testing.T) {
	e := NewEngine(nil, 0)
	tpl := Template{
		Subject: "Base",
		Body:    "Base body",
		Variants: []Variant{
			{Name: "no-match", Rules: []Rule{{Field: "city", Op: "eq", Value: "denver"}}, Body: "Denver body"},
		},
	}

	out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationAdvanced)
	require.NoError(t, err)
	assert.Equal(t, "Base body", out.Body)
}

func TestRenderAISuccess(t *testing.T) {
	gen := &StaticGenerator{Body: "Jane, three condos in Austin just hit your budget."}
	e := NewEngine(gen, time.Second)
	tpl := Template{Subject: "Listings", Body: "Generic body"}

	out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationAI)
	require.NoError(t, err)
	assert.Equal(t, gen.Body, out.Body)
	assert.Equal(t, domain.PersonalizationAI, out.AppliedLevel)
}

func TestRenderAIErrorDegradesToAdvanced(t *testing.T) {
	gen := &StaticGenerator{Err: errors.New("model unavailable")}
	e := NewEngine(gen, time.Second)
	tpl := Template{Subject: "Listings", Body: "Generic body for {{ first_name }}"}

	out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationAI)
	require.NoError(t, err)
	assert.Equal(t, "Generic body for jane", out.Body)
	assert.Equal(t, domain.PersonalizationAdvanced, out.AppliedLevel)
}

func TestRenderAIInvalidOutputDegrades(t *testing.T) {
	tests := []struct {
		name string
		body string
		max  int
	}{
		{"empty output", "   ", 0},
		{"leftover template syntax", "Hi {{ first_name }}", 0},
		{"over length budget", "this body is far too long for sms", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&StaticGenerator{Body: tt.body}, time.Second)
			tpl := Template{Subject: "s", Body: "fallback", MaxBodyLength: tt.max}

			out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationAI)
			require.NoError(t, err)
			assert.Equal(t, "fallback", out.Body)
			assert.Equal(t, domain.PersonalizationAdvanced, out.AppliedLevel)
		})
	}
}

type slowGenerator struct{ delay time.Duration }

func (g *slowGenerator) Generate(ctx context.Context, gc GenerationContext) (string, error) {
	select {
	case <-time.After(g.delay):
		return "too late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestRenderAITimeoutDegrades(t *testing.T) {
	e := NewEngine(&slowGenerator{delay: time.Second}, 20*time.Millisecond)
	tpl := Template{Subject: "s", Body: "fallback"}

	start := time.Now()
	out, err := e.Render(context.Background(), tpl, testRecipient(), domain.PersonalizationAI)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out.Body)
	assert.Equal(t, domain.PersonalizationAdvanced, out.AppliedLevel)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSelectVariantFirstMatchWins(t *testing.T) {
	vars := map[string]interface{}{"tier": "high", "city": "austin"}
	variants := []Variant{
		{Name: "a", Rules: []Rule{{Field: "tier", Op: "eq", Value: "high"}}},
		{Name: "b", Rules: []Rule{{Field: "city", Op: "eq", Value: "austin"}}},
	}

	v := SelectVariant(variants, vars)
	require.NotNil(t, v)
	assert.Equal(t, "a", v.Name)
}

func TestRuleOps(t *testing.T) {
	vars := map[string]interface{}{"city": "Austin", "budget": 450000, "empty": ""}

	tests := []struct {
		rule Rule
		want bool
	}{
		{Rule{Field: "city", Op: "eq", Value: "austin"}, true},
		{Rule{Field: "city", Op: "ne", Value: "denver"}, true},
		{Rule{Field: "city", Op: "contains", Value: "ust"}, true},
		{Rule{Field: "budget", Op: "eq", Value: "450000"}, true},
		{Rule{Field: "missing", Op: "exists"}, false},
		{Rule{Field: "empty", Op: "exists"}, false},
		{Rule{Field: "missing", Op: "ne", Value: "x"}, true},
		{Rule{Field: "city", Op: "bogus", Value: "x"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, match(tt.rule, vars), "rule %+v", tt.rule)
	}
}
