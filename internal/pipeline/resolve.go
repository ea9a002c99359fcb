package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/cost"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/prompt"
	"github.com/sells-group/catalog-enrich/internal/resilience"
	"github.com/sells-group/catalog-enrich/internal/textnorm"
	"github.com/sells-group/catalog-enrich/internal/validate"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

// tierAttempt is the result of working one tier of the fallback chain.
type tierAttempt struct {
	report    *validate.Report // accepted result
	candidate *validate.Report // best rejected result with usable content
	fromBulk  bool
	err       error
	attempts  int
	costUSD   float64
	input     int64
	output    int64
}

// resolve walks the fallback chain from start until a result passes the
// quality gate. first, when set, is an already-received bulk response for
// the start tier. The error is the last failure of a failed outcome.
func (e *Enricher) resolve(ctx context.Context, rec model.Record, ident identity, start model.Tier, complex, strict bool, first *anthropic.MessageResponse) (model.Outcome, error) {
	log := zap.L().With(zap.String("record", rec.Key()), zap.String("fingerprint", ident.fp))
	out := model.Outcome{
		RecordID:    rec.Key(),
		Fingerprint: ident.fp,
		Source:      model.SourceNone,
	}

	var (
		candidate     *validate.Report
		candidateTier model.Tier
		lastErr       error
	)
	for i, tier := range e.deps.Router.FallbackChain(start) {
		var bulkResp *anthropic.MessageResponse
		if i == 0 {
			bulkResp = first
		}
		at := e.attemptTier(ctx, rec, ident, tier, complex, strict && i == 0, bulkResp)
		out.Attempts += at.attempts
		out.CostUSD += at.costUSD
		out.InputTokens += at.input
		out.OutputTokens += at.output
		out.Tier = tier

		if at.report != nil {
			e.populate(ctx, ident, at.report)
			out.Status = model.StatusEnriched
			out.Source = model.SourceProvider
			if at.fromBulk {
				out.Source = model.SourceBulk
			}
			out.Result = at.report.Result
			out.QualityScore = at.report.QualityScore
			out.Warnings = at.report.Warnings
			return out, nil
		}
		if at.candidate != nil && (candidate == nil || at.candidate.QualityScore > candidate.QualityScore) {
			candidate, candidateTier = at.candidate, tier
		}
		lastErr = at.err
		if cerr := canceled(ctx, at.err); cerr != nil {
			out.Status = model.StatusFailed
			out.Reason = "canceled: " + cerr.Error()
			return out, cerr
		}
		log.Info("pipeline: escalating",
			zap.String("from_tier", tier.String()),
			zap.String("error_type", resilience.ClassifyError(at.err)),
			zap.Error(at.err),
		)
	}

	out.NeedsFallback = true
	if candidate != nil {
		out.Status = model.StatusDegraded
		out.Source = model.SourceProvider
		out.Tier = candidateTier
		out.Result = candidate.Result
		out.QualityScore = candidate.QualityScore
		out.Warnings = candidate.Warnings
		out.Errors = candidate.Errors
		out.Reason = "below quality bar: " + candidate.Failure()
		return out, nil
	}

	out.Status = model.StatusFailed
	out.Reason = "fallback chain exhausted"
	if lastErr != nil {
		out.Reason += ": " + lastErr.Error()
		out.Errors = []string{lastErr.Error()}
	}
	log.Warn("pipeline: could not enrich", zap.String("reason", out.Reason))
	if lastErr == nil {
		lastErr = eris.New("pipeline: fallback chain exhausted")
	}
	return out, lastErr
}

// settle dead-letters failed outcomes that were not caused by cancellation.
func (e *Enricher) settle(ctx context.Context, rec model.Record, ident identity, out model.Outcome, cause error) model.Outcome {
	if out.Status == model.StatusFailed && canceled(ctx, cause) == nil {
		e.deadLetter(ctx, rec, ident, out.Tier, cause)
	}
	return out
}

// canceled returns the cancellation that ended an attempt, whether it came
// from ctx or from a context the provider call was given.
func canceled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return nil
}

// attemptTier calls tier and applies up to CorrectiveRetries corrective
// re-prompts when the answer is unparseable or fails validation.
func (e *Enricher) attemptTier(ctx context.Context, rec model.Record, ident identity, tier model.Tier, complex, strict bool, bulkResp *anthropic.MessageResponse) tierAttempt {
	spec := e.deps.Router.Spec(tier)
	req := e.deps.Prompts.Build(rec, ident.base, spec, prompt.SelectStyle(tier, complex, false))
	resp := bulkResp
	fromBulk := bulkResp != nil

	var at tierAttempt
	for try := 0; try <= e.cfg.CorrectiveRetries; try++ {
		if resp == nil {
			var err error
			resp, err = e.call(ctx, rec, tier, req)
			if err != nil {
				at.err = err
				return at
			}
		}
		at.attempts++
		e.account(&at, resp, tier, spec.Model, fromBulk)

		raw := validate.JoinPrefill(prompt.Prefill, resp.Text())
		result, perr := validate.ParseResponse(raw)
		var failure string
		if perr != nil {
			at.err = perr
			failure = structuralReason(perr)
		} else {
			rep := e.deps.Validator.Validate(result, ident.base, validate.Options{Strict: strict})
			if rep.Valid {
				at.report = &rep
				at.fromBulk = fromBulk
				at.err = nil
				return at
			}
			if rep.Result != nil && !rep.Result.IsEmpty() &&
				(at.candidate == nil || rep.QualityScore > at.candidate.QualityScore) {
				at.candidate = &rep
			}
			failure = rep.Failure()
			at.err = eris.Errorf("validation: %s", failure)
		}

		if try == e.cfg.CorrectiveRetries {
			break
		}
		zap.L().Debug("pipeline: corrective re-prompt",
			zap.String("record", rec.Key()),
			zap.String("tier", tier.String()),
			zap.String("failure", failure),
		)
		req = e.deps.Prompts.Corrective(rec, ident.base, spec, raw, failure)
		resp = nil
		fromBulk = false
	}
	return at
}

func structuralReason(err error) string {
	var se *resilience.StructuralError
	if errors.As(err, &se) {
		return se.Reason
	}
	return err.Error()
}

// call admits the request against the tier's budget and sends it through
// the tier's breaker with retry on transient failures.
func (e *Enricher) call(ctx context.Context, rec model.Record, tier model.Tier, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	guard := e.deps.Guards.For(tier)
	units := (e.deps.Router.EstimateTokens(rec) + 999) / 1000
	if err := guard.Admit(ctx, units, e.cfg.AdmitMaxWait); err != nil {
		return nil, eris.Wrapf(err, "pipeline: admit %s", tier)
	}

	spec := e.deps.Router.Spec(tier)
	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(tier.String(), "create_message")
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, guard.Breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			if spec.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
				defer cancel()
			}
			return e.deps.Client.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: call %s", tier)
	}
	return resp, nil
}

func (e *Enricher) account(at *tierAttempt, resp *anthropic.MessageResponse, tier model.Tier, modelID string, bulk bool) {
	u := resp.Usage
	c := e.deps.Calc.Actual(modelID, bulk, cost.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	})
	u.LogCost(modelID, tier.String(), c)
	at.costUSD += c
	at.input += u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	at.output += u.OutputTokens
}

// populate writes an accepted result into both cache layers.
func (e *Enricher) populate(ctx context.Context, ident identity, rep *validate.Report) {
	category := rep.Category
	if category == "" {
		category = ident.base
	}
	e.deps.Exact.Set(ctx, ident.fp, category, rep.Result)
	if e.deps.Semantic != nil {
		// Store logs its own failures.
		_ = e.deps.Semantic.Store(ctx, ident.id, rep.Result)
	}
}

func (e *Enricher) deadLetter(ctx context.Context, rec model.Record, ident identity, tier model.Tier, cause error) {
	if e.deps.DLQ == nil {
		return
	}
	now := e.nowFunc().UTC()
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	entry := resilience.DLQEntry{
		ID:           uuid.New().String(),
		Record:       rec,
		Fingerprint:  ident.fp,
		LastTier:     tier,
		Error:        truncate(msg, 2000),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   e.cfg.DLQMaxRetries,
		NextRetryAt:  now.Add(e.cfg.DLQRetryDelay),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := e.deps.DLQ.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
		zap.L().Warn("pipeline: enqueue dlq", zap.String("record", rec.Key()), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(textnorm.Truncate(s, n)) + fmt.Sprintf("... (%d bytes)", len(s))
}
