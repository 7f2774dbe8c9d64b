package identity

import (
	"strings"

	"github.com/gosimple/slug"
)

const (
	CategoryCursor         = "cursor"
	CategoryAnthropicAPI   = "anthropic_api"
	CategoryClaudeAI       = "claude_ai"
	CategoryServiceAccount = "service_account"
)

// Rule infers a category from free text. A rule matches when any of its
// phrases appears as a contiguous run of tokens in the normalized text.
type Rule struct {
	Name       string
	Category   string
	Phrases    [][]string
	Confidence float64
	// Platform is false for categories that describe an account class
	// rather than a vendor platform.
	Platform bool
}

// Rules are evaluated in order and the first match wins, so more specific
// phrases come first.
var Rules = []Rule{
	{
		Name:       "service_account_marker",
		Category:   CategoryServiceAccount,
		Phrases:    [][]string{{"service", "account"}, {"svc"}, {"bot"}, {"ci"}, {"automation"}, {"pipeline"}},
		Confidence: 0.8,
	},
	{
		Name:       "anthropic_api_explicit",
		Category:   CategoryAnthropicAPI,
		Phrases:    [][]string{{"anthropic", "api"}, {"claude", "api"}, {"api", "key"}, {"anthropic", "console"}},
		Confidence: 0.9,
		Platform:   true,
	},
	{
		Name:       "claude_ai_explicit",
		Category:   CategoryClaudeAI,
		Phrases:    [][]string{{"claude", "ai"}, {"claude", "team"}, {"claude", "enterprise"}, {"claude", "seat"}},
		Confidence: 0.9,
		Platform:   true,
	},
	{
		Name:       "cursor_explicit",
		Category:   CategoryCursor,
		Phrases:    [][]string{{"cursor"}},
		Confidence: 0.9,
		Platform:   true,
	},
	{
		Name:       "anthropic_generic",
		Category:   CategoryAnthropicAPI,
		Phrases:    [][]string{{"anthropic"}, {"workspace"}},
		Confidence: 0.6,
		Platform:   true,
	},
	{
		Name:       "claude_generic",
		Category:   CategoryClaudeAI,
		Phrases:    [][]string{{"claude"}},
		Confidence: 0.5,
		Platform:   true,
	},
}

// Detection is a matched rule.
type Detection struct {
	Rule       string
	Category   string
	Confidence float64
}

func tokenize(text string) []string {
	normalized := slug.Make(text)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "-")
}

func (r Rule) matches(tokens []string) bool {
	for _, phrase := range r.Phrases {
		if containsRun(tokens, phrase) {
			return true
		}
	}
	return false
}

func containsRun(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Detect returns the first rule matching any of texts.
func Detect(texts ...string) (Detection, bool) {
	return detect(Rules, false, texts...)
}

// DetectPlatform is Detect restricted to rules naming a vendor platform.
func DetectPlatform(texts ...string) (Detection, bool) {
	return detect(Rules, true, texts...)
}

func detect(rules []Rule, platformOnly bool, texts ...string) (Detection, bool) {
	var tokens []string
	for _, t := range texts {
		tokens = append(tokens, tokenize(t)...)
	}
	if len(tokens) == 0 {
		return Detection{}, false
	}
	for _, rule := range rules {
		if platformOnly && !rule.Platform {
			continue
		}
		if rule.matches(tokens) {
			return Detection{Rule: rule.Name, Category: rule.Category, Confidence: rule.Confidence}, true
		}
	}
	return Detection{}, false
}
