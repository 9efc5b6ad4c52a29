// Package dispatch implements the Dispatcher (C3): the acquire→call→release
// loop described in spec.md §4.3. It supersedes internal/proxy's
// executeWithRetry/makeDirector retry-and-rotate logic — same
// attempt-bounded-retry-then-rotate shape, generalized to the deadline and
// classification-driven policy the spec requires.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"llm-router/internal/classify"
	"llm-router/internal/clockutil"
	"llm-router/internal/llmapi"
	"llm-router/internal/model"
	"llm-router/internal/streaming"
	"llm-router/internal/tokens"
	"llm-router/internal/usage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var modelIDPattern = regexp.MustCompile(`^[a-z0-9_-]+/.+$`)

// ErrInvalidModel is a programmer error (spec.md §7): surfaced immediately,
// never retried or rotated.
var ErrInvalidModel = fmt.Errorf("dispatch: model identifier must match %s", modelIDPattern.String())

// ErrClosed is returned once the Dispatcher has been closed.
var ErrClosed = fmt.Errorf("dispatch: dispatcher is closed")

// Dispatcher is the Dispatcher (C3).
type Dispatcher struct {
	client   llmapi.LLMClient
	usage    *usage.Manager
	tokens   tokens.Counter
	clock    clockutil.Clock
	tunables model.EngineTunables
	logger   *zap.Logger

	closed bool
}

// New constructs a Dispatcher over the given external capabilities.
func New(client llmapi.LLMClient, usageMgr *usage.Manager, tokenCounter tokens.Counter, clock clockutil.Clock, tunables model.EngineTunables, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		usage:    usageMgr,
		tokens:   tokenCounter,
		clock:    clock,
		tunables: tunables,
		logger:   logger,
	}
}

// Close marks the Dispatcher closed, so later calls return ErrClosed. It
// does not close the LLMClient or its transport, and it does not close the
// UsageManager — callers own that lifecycle separately, since multiple
// Dispatchers could in principle share one usage pool.
func (d *Dispatcher) Close() error {
	d.closed = true
	return nil
}

func splitModel(modelID string) (provider, modelName string, err error) {
	if !modelIDPattern.MatchString(modelID) {
		return "", "", ErrInvalidModel
	}
	idx := strings.IndexByte(modelID, '/')
	return modelID[:idx], modelID[idx+1:], nil
}

// Complete implements acompletion for the non-streaming case.
func (d *Dispatcher) Complete(ctx context.Context, modelID string, params llmapi.Params) (*llmapi.Response, error) {
	if d.closed {
		return nil, ErrClosed
	}
	provider, modelName, err := splitModel(modelID)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	deadline := d.clock.Now().Add(time.Duration(d.tunables.GlobalTimeoutSeconds) * time.Second)
	tried := map[string]struct{}{}

	for {
		if d.clock.Now().After(deadline) {
			d.logger.Info("dispatch: deadline exceeded before completion", zap.String("request_id", reqID), zap.String("model", modelID))
			return nil, nil
		}

		ks, rel, selErr := d.usage.SelectKey(ctx, provider, modelName, deadline, tried)
		if selErr != nil {
			d.logNoKey(reqID, modelID, selErr)
			return nil, nil
		}
		tried[ks.Key] = struct{}{}

		resp, fatalErr, rotate := d.completeOnKey(ctx, ks, rel, modelID, modelName, params, deadline, reqID)
		if fatalErr != nil {
			return nil, fatalErr
		}
		if resp != nil {
			return resp, nil
		}
		if !rotate {
			// shouldn't happen, but guard against infinite loop on the same key.
			tried[ks.Key] = struct{}{}
		}
	}
}

// completeOnKey runs the bounded retry loop of spec.md §4.3 step 3.b on a
// single acquired key, releasing it before returning in every path.
// modelID (the full "provider/model" identifier) is what the LLMClient
// needs to resolve routing; modelName (the bare part) is what the
// UsageManager's per-model locking keys on.
func (d *Dispatcher) completeOnKey(ctx context.Context, ks *usage.KeyState, rel *usage.ReleaseToken, modelID, modelName string, params llmapi.Params, deadline time.Time, reqID string) (resp *llmapi.Response, fatalErr error, rotate bool) {
	defer rel.Release()

	unknownRetries := 0
	for attempt := 0; attempt <= d.tunables.MaxRetries; attempt++ {
		result, err := d.client.Complete(ctx, modelID, ks.Key, params)
		if err == nil {
			d.usage.RecordSuccess(ks, usage.Counters{
				Calls:            1,
				PromptTokens:     int64(result.Usage.PromptTokens),
				CompletionTokens: int64(result.Usage.CompletionTokens),
				ApproxCostUSD:    result.Usage.ApproxCostUSD,
			})
			return result, nil, false
		}

		kind := classifyErr(err)
		d.logger.Warn("dispatch: completion attempt failed", zap.String("request_id", reqID), zap.String("key_provider", ks.Provider), zap.String("error_kind", kind.String()), zap.Error(err))

		if kind.Fatal() {
			return nil, err, false
		}
		if kind.CredentialSpecific() {
			d.usage.RecordFailure(ks, modelName, kind)
			return nil, nil, true
		}

		// spec.md §4.1: unknown is treated as transient_server but with a
		// capped single retry, then rotate, rather than the full
		// max_retries budget transient_server gets.
		if kind == classify.KindUnknown {
			unknownRetries++
			if unknownRetries > 1 {
				return nil, nil, true
			}
		}

		// transient_server / unknown: retry in place, bounded by deadline.
		wait := backoff(d.tunables.BaseRetrySeconds, attempt)
		if d.clock.Now().Add(wait).After(deadline) {
			return nil, nil, true
		}
		if sleepErr := d.clock.Sleep(ctx, wait, deadline); sleepErr != nil {
			return nil, nil, true
		}
	}
	return nil, nil, true
}

// Embed implements aembedding.
func (d *Dispatcher) Embed(ctx context.Context, modelID string, params llmapi.Params) (*llmapi.EmbeddingResponse, error) {
	if d.closed {
		return nil, ErrClosed
	}
	provider, modelName, err := splitModel(modelID)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	deadline := d.clock.Now().Add(time.Duration(d.tunables.GlobalTimeoutSeconds) * time.Second)
	tried := map[string]struct{}{}

	for {
		if d.clock.Now().After(deadline) {
			return nil, nil
		}

		ks, rel, selErr := d.usage.SelectKey(ctx, provider, modelName, deadline, tried)
		if selErr != nil {
			d.logNoKey(reqID, modelID, selErr)
			return nil, nil
		}
		tried[ks.Key] = struct{}{}

		resp, fatalErr, rotate := d.embedOnKey(ctx, ks, rel, modelID, modelName, params, deadline, reqID)
		if fatalErr != nil {
			return nil, fatalErr
		}
		if resp != nil {
			return resp, nil
		}
		if !rotate {
			tried[ks.Key] = struct{}{}
		}
	}
}

func (d *Dispatcher) embedOnKey(ctx context.Context, ks *usage.KeyState, rel *usage.ReleaseToken, modelID, modelName string, params llmapi.Params, deadline time.Time, reqID string) (resp *llmapi.EmbeddingResponse, fatalErr error, rotate bool) {
	defer rel.Release()

	unknownRetries := 0
	for attempt := 0; attempt <= d.tunables.MaxRetries; attempt++ {
		result, err := d.client.Embed(ctx, modelID, ks.Key, params)
		if err == nil {
			d.usage.RecordSuccess(ks, usage.Counters{
				Calls:            1,
				PromptTokens:     int64(result.Usage.PromptTokens),
				CompletionTokens: int64(result.Usage.CompletionTokens),
				ApproxCostUSD:    result.Usage.ApproxCostUSD,
			})
			return result, nil, false
		}

		kind := classifyErr(err)
		d.logger.Warn("dispatch: embedding attempt failed", zap.String("request_id", reqID), zap.String("error_kind", kind.String()), zap.Error(err))

		if kind.Fatal() {
			return nil, err, false
		}
		if kind.CredentialSpecific() {
			d.usage.RecordFailure(ks, modelName, kind)
			return nil, nil, true
		}

		// spec.md §4.1: unknown gets a capped single retry, then rotate.
		if kind == classify.KindUnknown {
			unknownRetries++
			if unknownRetries > 1 {
				return nil, nil, true
			}
		}

		wait := backoff(d.tunables.BaseRetrySeconds, attempt)
		if d.clock.Now().Add(wait).After(deadline) {
			return nil, nil, true
		}
		if sleepErr := d.clock.Sleep(ctx, wait, deadline); sleepErr != nil {
			return nil, nil, true
		}
	}
	return nil, nil, true
}

// StreamComplete implements acompletion's streaming branch. On success it
// hands the acquired key's lock and accounting off to streaming.Stream,
// which defers release/record_success until the stream terminates.
func (d *Dispatcher) StreamComplete(ctx context.Context, modelID string, params llmapi.Params) (*streaming.Stream, error) {
	if d.closed {
		return nil, ErrClosed
	}
	provider, modelName, err := splitModel(modelID)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	deadline := d.clock.Now().Add(time.Duration(d.tunables.GlobalTimeoutSeconds) * time.Second)
	tried := map[string]struct{}{}

	for {
		if d.clock.Now().After(deadline) {
			return streaming.Empty(), nil
		}

		ks, rel, selErr := d.usage.SelectKey(ctx, provider, modelName, deadline, tried)
		if selErr != nil {
			d.logNoKey(reqID, modelID, selErr)
			return streaming.Empty(), nil
		}
		tried[ks.Key] = struct{}{}

		raw, err := d.client.StreamComplete(ctx, modelID, ks.Key, params)
		if err != nil {
			kind := classifyErr(err)
			if kind.Fatal() {
				rel.Release()
				return nil, err
			}
			if kind.CredentialSpecific() {
				d.usage.RecordFailure(ks, modelName, kind)
			}
			rel.Release()
			continue // rotate
		}

		restart := func(restartCtx context.Context, excludeKey string) (llmapi.RawStream, *usage.KeyState, *usage.ReleaseToken, error) {
			excluded := map[string]struct{}{}
			for k := range tried {
				excluded[k] = struct{}{}
			}
			excluded[excludeKey] = struct{}{}

			newKS, newRel, selErr := d.usage.SelectKey(restartCtx, provider, modelName, deadline, excluded)
			if selErr != nil {
				return nil, nil, nil, selErr
			}
			tried[newKS.Key] = struct{}{}

			newRaw, err := d.client.StreamComplete(restartCtx, modelID, newKS.Key, params)
			if err != nil {
				newRel.Release()
				return nil, nil, nil, err
			}
			return newRaw, newKS, newRel, nil
		}

		return streaming.New(raw, ks, rel, modelName, params, d.usage, d.tokens, restart, deadline, d.tunables.MaxEventBytes, d.logger), nil
	}
}

func (d *Dispatcher) logNoKey(reqID, modelID string, err error) {
	var nke *usage.NoKeyError
	reason := "unknown"
	if ok := asNoKeyError(err, &nke); ok {
		if nke.Reason == usage.ReasonDeadline {
			reason = "deadline_elapsed"
		} else {
			reason = "keys_exhausted"
		}
	}
	d.logger.Info("dispatch: no eligible key", zap.String("request_id", reqID), zap.String("model", modelID), zap.String("reason", reason))
}

func asNoKeyError(err error, target **usage.NoKeyError) bool {
	nke, ok := err.(*usage.NoKeyError)
	if ok {
		*target = nke
	}
	return ok
}

func classifyErr(err error) classify.Kind {
	var ce *llmapi.CallError
	if ok := asCallError(err, &ce); ok {
		return classify.Classify(ce.Err, ce.Status, ce.Body)
	}
	return classify.Classify(err, 0, "")
}

func asCallError(err error, target **llmapi.CallError) bool {
	ce, ok := err.(*llmapi.CallError)
	if ok {
		*target = ce
	}
	return ok
}

// backoff computes base * 2^attempt, per spec.md §4.3.
func backoff(baseSeconds float64, attempt int) time.Duration {
	return time.Duration(baseSeconds * math.Pow(2, float64(attempt)) * float64(time.Second))
}
