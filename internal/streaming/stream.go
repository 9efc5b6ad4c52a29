// Package streaming implements the StreamWrapper (C4): defragmentation of a
// provider's raw SSE byte stream into discrete JSON events, mid-stream
// error detection with transparent key rotation, and exactly-once
// finalization of the usage/lock bookkeeping a stream's key was checked
// out under. The content-type/framing detection it wraps is grounded on
// the teacher's isStreamingResponse in internal/proxy/proxy.go; the
// defragmentation and rotation logic itself is new, built to spec.md §4.4.
package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"llm-router/internal/classify"
	"llm-router/internal/llmapi"
	"llm-router/internal/tokens"
	"llm-router/internal/usage"

	"go.uber.org/zap"
)

// errEOF is the sentinel Next returns once a stream has cleanly ended.
// Aliased to io.EOF so callers can use errors.Is(err, io.EOF) idiomatically.
var errEOF = io.EOF

func isEOF(err error) bool { return errors.Is(err, io.EOF) }

const (
	eventDelimiter = "\n\n"
	dataPrefix     = "data: "
	doneMarker     = "[DONE]"
)

// Restarter re-acquires a fresh key (excluding excludeKey) and opens a new
// raw provider stream against it, for transparent mid-stream rotation. The
// Dispatcher supplies this so streaming never imports dispatch.
type Restarter func(ctx context.Context, excludeKey string) (llmapi.RawStream, *usage.KeyState, *usage.ReleaseToken, error)

// Stream is the public handle a caller iterates to receive defragmented
// provider events. Next returns one JSON-event payload per call, or io.EOF
// when the stream is done.
type Stream struct {
	modelName string
	params    llmapi.Params
	usageMgr  *usage.Manager
	tokenCtr  tokens.Counter
	restart   Restarter
	deadline  time.Time
	maxEvent  int
	logger    *zap.Logger

	mu         sync.Mutex
	raw        llmapi.RawStream
	ks         *usage.KeyState
	rel        *usage.ReleaseToken
	buf        bytes.Buffer
	content    strings.Builder
	promptT    int
	compT      int
	sawUsage   bool
	emitted    bool // true once Next has handed a real payload to the caller

	finalizeOnce sync.Once
}

// New constructs a Stream already holding its first acquired key's lock.
// params is retained so the TokenCounter fallback in finalize can estimate
// prompt tokens when a provider never reports usage inline.
func New(raw llmapi.RawStream, ks *usage.KeyState, rel *usage.ReleaseToken, modelName string, params llmapi.Params, usageMgr *usage.Manager, tokenCtr tokens.Counter, restart Restarter, deadline time.Time, maxEventBytes int, logger *zap.Logger) *Stream {
	if maxEventBytes <= 0 {
		maxEventBytes = 1 << 20
	}
	return &Stream{
		modelName: modelName,
		params:    params,
		usageMgr:  usageMgr,
		tokenCtr:  tokenCtr,
		restart:   restart,
		deadline:  deadline,
		maxEvent:  maxEventBytes,
		logger:    logger,
		raw:       raw,
		ks:        ks,
		rel:       rel,
	}
}

// Empty returns a Stream that yields no events and finalizes immediately;
// used when the Dispatcher could not acquire any key before the deadline.
func Empty() *Stream {
	s := &Stream{}
	s.finalizeOnce.Do(func() {})
	return s
}

// Next returns the next defragmented event payload (the bytes following
// "data: ", with the provider's own framing stripped), or (nil, io.EOF) once
// the stream has cleanly ended. A credential-specific mid-stream error that
// arrives before any event has been returned triggers a transparent restart
// on a fresh key; every other mid-stream error is returned to the caller.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.raw == nil {
		return nil, errEOF
	}

	for {
		if event, ok := s.takeBufferedEvent(); ok {
			if event == nil {
				continue // keep-alive or [DONE] marker, not a payload event
			}
			s.emitted = true
			return event, nil
		}

		chunk, err := s.raw.Next(ctx)
		if err != nil {
			return s.handleReadError(ctx, err)
		}
		s.buf.Write(chunk)
		if s.buf.Len() > s.maxEvent {
			// Provider is sending an unreasonably large unterminated frame;
			// bail rather than buffer unboundedly.
			s.finalize(false)
			return nil, errors.New("streaming: unterminated event exceeds the maximum event size")
		}
	}
}

// takeBufferedEvent extracts one complete "data: ...\n\n" frame from the
// internal buffer if one is present. ok is false if more bytes are needed.
// A nil, true result means a frame was consumed but carried no payload
// worth surfacing (a keep-alive comment or the terminal [DONE] marker).
func (s *Stream) takeBufferedEvent() (event []byte, ok bool) {
	data := s.buf.Bytes()
	idx := bytes.Index(data, []byte(eventDelimiter))
	if idx < 0 {
		return nil, false
	}

	frame := make([]byte, idx)
	copy(frame, data[:idx])
	s.buf.Next(idx + len(eventDelimiter))

	line := bytes.TrimSpace(frame)
	if len(line) == 0 || bytes.HasPrefix(line, []byte(":")) {
		return nil, true
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, true
	}
	payload := bytes.TrimPrefix(line, []byte(dataPrefix))
	if string(payload) == doneMarker {
		s.accountTokens(payload)
		s.finalize(true)
		return nil, true
	}
	s.accountTokens(payload)
	return payload, true
}

// accountTokens opportunistically extracts usage counters from an event
// payload via the injected TokenCounter. Providers that omit inline usage
// never set sawUsage; finalize then falls back to estimating completion
// tokens from the content accumulated here via streamDeltaContent.
func (s *Stream) accountTokens(payload []byte) {
	s.content.WriteString(streamDeltaContent(payload))

	if s.tokenCtr == nil {
		return
	}
	if u, ok := s.tokenCtr.UsageFromEvent(payload); ok {
		s.promptT = u.PromptTokens
		s.compT = u.CompletionTokens
		s.sawUsage = true
	}
}

// streamDeltaEvent matches the "choices[].delta.content" shape
// OpenAI-compatible providers use for streamed chat completion chunks.
type streamDeltaEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// streamDeltaContent extracts the concatenated delta content from one
// decoded event payload, or "" if the payload isn't a recognizable chat
// completion chunk (e.g. the [DONE] marker, an embedding response).
func streamDeltaContent(payload []byte) string {
	var ev streamDeltaEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range ev.Choices {
		b.WriteString(c.Delta.Content)
	}
	return b.String()
}

// handleReadError classifies a raw-stream read failure. Per spec.md §4.4,
// rotation onto a fresh key is only attempted when the failure is
// credential-specific (rate_limit/authentication/quota_exhausted) AND no
// content has been emitted to the caller yet ("a mid-stream failure
// restarts the call on a different key" applies to the not-yet-visible
// case; once output has already reached the consumer — or the failure
// indicates a transient/unknown backend problem rather than a bad key —
// spec.md's state diagram instead moves to ERROR_EMITTED: "emit a
// terminal error event to the consumer and stop"). Fatal errors always
// surface as-is.
func (s *Stream) handleReadError(ctx context.Context, err error) ([]byte, error) {
	if err == errEOF || isEOF(err) {
		s.finalize(true)
		return nil, errEOF
	}

	kind := classifyStreamErr(err)
	if kind.Fatal() {
		s.raw.Close()
		s.finalize(false)
		return nil, err
	}
	if kind.CredentialSpecific() {
		s.usageMgr.RecordFailure(s.ks, s.modelName, kind)
	}

	rotate := kind.CredentialSpecific() && !s.emitted && s.restart != nil

	s.rel.Release()
	s.raw.Close()

	if !rotate {
		s.rel = nil
		s.finalize(false)
		return nil, err
	}

	newRaw, newKS, newRel, rErr := s.restart(ctx, s.ks.Key)
	if rErr != nil {
		s.ks = nil
		s.rel = nil
		s.raw = nil
		s.finalize(false)
		return nil, err
	}

	s.raw = newRaw
	s.ks = newKS
	s.rel = newRel
	s.buf.Reset()
	return s.Next(ctx)
}

// Close releases the current key and finalizes usage accounting. Safe to
// call multiple times and after Next has already returned io.EOF.
func (s *Stream) Close() error {
	s.finalize(false)
	if s.raw != nil {
		return s.raw.Close()
	}
	return nil
}

// finalize records the accumulated usage exactly once and releases the
// currently-held key, if any. success distinguishes a clean [DONE]/EOF
// finish (counted as a successful call) from an abandoned/errored stream.
func (s *Stream) finalize(success bool) {
	s.finalizeOnce.Do(func() {
		if success && s.ks != nil && s.usageMgr != nil {
			if !s.sawUsage && s.tokenCtr != nil {
				// spec.md §4.4: no inline usage event was ever observed,
				// so estimate from the concatenated content via the
				// TokenCounter capability.
				s.promptT = s.tokenCtr.CountMessages(s.params)
				s.compT = s.tokenCtr.Count(s.content.String())
			}
			s.usageMgr.RecordSuccess(s.ks, usage.Counters{
				Calls:            1,
				PromptTokens:     int64(s.promptT),
				CompletionTokens: int64(s.compT),
			})
		}
		if s.rel != nil {
			s.rel.Release()
		}
	})
}

func classifyStreamErr(err error) classify.Kind {
	if ce, ok := err.(*llmapi.CallError); ok {
		return classify.Classify(ce.Err, ce.Status, ce.Body)
	}
	return classify.Classify(err, 0, "")
}
