// Package cleanup rewrites noisy source terms with an LLM before mapping.
// Most terms pass through untouched; only terms carrying known noise markers
// (coding-system boilerplate like "unspecified" or "NOS") trigger a model
// call.
package cleanup

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"conceptmap/internal/providers"
)

const operationCleanup = "term_cleanup"

const cleanupSystem = "You simplify clinical source terms for terminology mapping. " +
	"Remove billing and coding boilerplate while keeping every clinically meaningful word. " +
	"Answer with the cleaned term on a single line in the format '#Term: <text>'."

// triggerPattern marks terms worth a cleanup call. The alternatives mirror
// the boilerplate seen in ICD-style descriptions.
var triggerPattern = regexp.MustCompile(`(?i)not|unspecified|unidentified|without|other| nos|,nos| nec|,nec|encounter`)

var termLine = regexp.MustCompile(`(?i)#term:\s*(.+)`)

// Cleaner asks an LLM to strip uninformative boilerplate from a term.
type Cleaner struct {
	llm providers.LLMProvider
}

func New(llm providers.LLMProvider) *Cleaner {
	return &Cleaner{llm: llm}
}

// NeedsCleanup reports whether the term carries noise markers that justify a
// model call.
func NeedsCleanup(term string) bool {
	return triggerPattern.MatchString(term)
}

// Clean returns a simplified form of the term. Terms without noise markers
// are returned unchanged without calling the model. A response that cannot
// be parsed or that comes back empty falls back to the original term.
func (c *Cleaner) Clean(ctx context.Context, term string) (string, error) {
	if !NeedsCleanup(term) {
		return term, nil
	}
	resp, _, err := c.llm.Generate(ctx, providers.GenerateRequest{
		Operation: operationCleanup,
		System:    cleanupSystem,
		Prompt:    fmt.Sprintf("#Term: %s", term),
	})
	if err != nil {
		return "", fmt.Errorf("cleanup term: %w", err)
	}
	cleaned := parseCleaned(resp.Text)
	if cleaned == "" {
		return term, nil
	}
	return cleaned, nil
}

func parseCleaned(text string) string {
	m := termLine.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
