// Package arbiter asks an LLM to pick the best concept from a shortlist of
// retrieval candidates, validating that the answer stays within the shortlist.
package arbiter

import (
	"context"
	"fmt"
	"time"

	"conceptmap/internal/models"
	"conceptmap/internal/providers"
	"conceptmap/internal/util"
)

const operationArbitrate = "arbitrate_mapping"

// RetryPolicy bounds retries of transient provider failures and malformed
// responses. Zero values fall back to the defaults below.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.BackoffCoefficient <= 1 {
		p.BackoffCoefficient = 2.0
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	return p
}

// Result is the arbitration outcome for one term. When MatchFound is false
// Justification still explains what the model saw.
type Result struct {
	MatchFound    bool
	ConceptID     int64
	ConceptName   string
	Confidence    float64
	Justification string
	Attempts      int
}

// Arbiter wraps an LLM provider with prompt construction, verdict parsing,
// shortlist membership validation and bounded retries.
type Arbiter struct {
	llm    providers.LLMProvider
	policy RetryPolicy
}

func New(llm providers.LLMProvider, policy RetryPolicy) *Arbiter {
	return &Arbiter{llm: llm, policy: policy.withDefaults()}
}

// Decide asks the model to map term onto one of the shortlist concepts. An
// empty shortlist short-circuits to no-match without a model call. A verdict
// naming a concept outside the shortlist is downgraded to no-match rather
// than trusted. Transient provider errors and unparseable responses are
// retried with exponential backoff; exhausting retries returns an error
// wrapping util.ErrArbitration.
func (a *Arbiter) Decide(ctx context.Context, term string, shortlist []models.Candidate, concepts map[int64]models.StandardConcept) (Result, error) {
	if len(shortlist) == 0 {
		return Result{Justification: "no candidates to arbitrate"}, nil
	}

	prompt, err := buildPrompt(term, shortlist, concepts)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", util.ErrArbitration, err)
	}

	allowed := make(map[int64]string, len(shortlist))
	for _, cand := range shortlist {
		allowed[cand.ConceptID] = cand.ConceptName
	}

	var lastErr error
	interval := a.policy.InitialInterval
	for attempt := 1; attempt <= a.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, interval); err != nil {
				return Result{Attempts: attempt - 1}, fmt.Errorf("%w: %v", util.ErrArbitration, err)
			}
			interval = time.Duration(float64(interval) * a.policy.BackoffCoefficient)
			if interval > a.policy.MaxInterval {
				interval = a.policy.MaxInterval
			}
		}

		resp, _, err := a.llm.Generate(ctx, providers.GenerateRequest{
			Operation: operationArbitrate,
			System:    systemPrompt,
			Prompt:    prompt,
		})
		if err != nil {
			lastErr = err
			if providers.ClassifyError(err) == providers.ErrorPermanent {
				break
			}
			continue
		}

		verdict, err := parseVerdict(resp.Text)
		if err != nil {
			lastErr = err
			continue
		}

		if !verdict.MatchFound {
			return Result{
				Confidence:    verdict.Confidence,
				Justification: verdict.Justification,
				Attempts:      attempt,
			}, nil
		}
		name, ok := allowed[verdict.ConceptID]
		if !ok {
			// The model invented a concept outside the shortlist.
			return Result{
				Justification: fmt.Sprintf("model proposed concept %d outside the candidate set", verdict.ConceptID),
				Attempts:      attempt,
			}, nil
		}
		return Result{
			MatchFound:    true,
			ConceptID:     verdict.ConceptID,
			ConceptName:   name,
			Confidence:    verdict.Confidence,
			Justification: verdict.Justification,
			Attempts:      attempt,
		}, nil
	}
	return Result{Attempts: a.policy.MaxAttempts}, fmt.Errorf("%w: %v", util.ErrArbitration, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
