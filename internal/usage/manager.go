package usage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"llm-router/internal/classify"
	"llm-router/internal/clockutil"
	"llm-router/internal/model"
	"llm-router/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrNoKey is returned by SelectKey when no eligible, untried key could be
// acquired before the deadline elapsed. The same sentinel covers both "the
// pool is exhausted" and "everything is on a short cooldown". The Reason
// field on NoKeyError tells a pool with no eligible untried key apart from a
// deadline that elapsed while waiting; keys that are on cooldown count as
// ineligible, so an exhausted pool and an all-on-cooldown pool both report
// ReasonExhausted.
var ErrNoKey = errors.New("usage: no eligible key available")

// NoKeyReason records why SelectKey found no key, for operators (not
// callers).
type NoKeyReason int

const (
	ReasonExhausted NoKeyReason = iota // every key for this provider was tried and failed/ineligible
	ReasonDeadline                     // the deadline elapsed while waiting on a candidate
)

// NoKeyError wraps ErrNoKey with the observability detail of spec.md §9.
type NoKeyError struct {
	Reason NoKeyReason
}

func (e *NoKeyError) Error() string { return ErrNoKey.Error() }
func (e *NoKeyError) Unwrap() error { return ErrNoKey }

// Manager is the UsageManager (C2).
type Manager struct {
	logger    *zap.Logger
	clock     clockutil.Clock
	tunables  model.EngineTunables
	store     store.PersistentStore
	providers map[string][]*KeyState // provider -> ordered keys
	byKey     map[string]*KeyState   // Key string -> state, for direct lookup on record_success/failure

	cronRunner *cron.Cron

	persistMu      sync.Mutex
	persistDirty   bool
	persistTimer   *time.Timer
	persistDone    chan struct{}
	persistClosing bool
}

// NewManager constructs the UsageManager from the configured provider pools.
// It loads any existing snapshot before returning so usage counters survive
// a restart (best-effort, per spec.md §1 Non-goals).
func NewManager(providers []model.ProviderConfig, tunables model.EngineTunables, st store.PersistentStore, clock clockutil.Clock, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:    logger,
		clock:     clock,
		tunables:  tunables,
		store:     st,
		providers: make(map[string][]*KeyState),
		byKey:     make(map[string]*KeyState),
	}

	now := clock.Now()
	for _, p := range providers {
		states := make([]*KeyState, 0, len(p.APIKeys))
		for i, k := range p.APIKeys {
			ks := newKeyState(k, p.Name, i, int64(tunables.MaxConcurrentModelsPerKey), now)
			states = append(states, ks)
			m.byKey[k] = ks
		}
		m.providers[p.Name] = states
	}

	if err := m.load(); err != nil {
		logger.Warn("usage: failed to load persisted snapshot, starting cold", zap.Error(err))
	}

	m.cronRunner = cron.New(cron.WithLocation(time.Local))
	if _, err := m.cronRunner.AddFunc("@midnight", func() {
		m.DailyResetIfNeeded()
	}); err != nil {
		logger.Warn("usage: failed to schedule daily reset ticker", zap.Error(err))
	}
	m.cronRunner.Start()

	return m, nil
}

// SelectKey implements spec.md §4.2's tiered acquisition for (provider,
// modelName), excluding any key whose string is present in excluded (the
// Dispatcher's per-request tried set).
func (m *Manager) SelectKey(ctx context.Context, provider, modelName string, deadline time.Time, excluded map[string]struct{}) (*KeyState, *ReleaseToken, error) {
	m.DailyResetIfNeeded()

	candidates := m.eligibleCandidates(provider, modelName, excluded)
	if len(candidates) == 0 {
		return nil, nil, &NoKeyError{Reason: ReasonExhausted}
	}

	// Tier 1: immediately-acquirable candidate with the fewest in-flight
	// requests (ties broken by least-recent-use, then stable index order).
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.InFlight() != b.InFlight() {
			return a.InFlight() < b.InFlight()
		}
		if !a.LastUsed().Equal(b.LastUsed()) {
			return a.LastUsed().Before(b.LastUsed())
		}
		return a.index < b.index
	})

	for _, ks := range candidates {
		if rel, ok := ks.TryAcquire(modelName); ok {
			return ks, rel, nil
		}
	}

	// Tier 2: wait (bounded by deadline) on the least-loaded candidate.
	least := candidates[0]
	rel, err := least.WaitAcquire(ctx, modelName, deadline)
	if err != nil {
		return nil, nil, &NoKeyError{Reason: ReasonDeadline}
	}
	return least, rel, nil
}

func (m *Manager) eligibleCandidates(provider, modelName string, excluded map[string]struct{}) []*KeyState {
	now := m.clock.Now()
	all := m.providers[provider]
	candidates := make([]*KeyState, 0, len(all))
	for _, ks := range all {
		if _, tried := excluded[ks.Key]; tried {
			continue
		}
		if ks.Eligible(modelName, now) {
			candidates = append(candidates, ks)
		}
	}
	return candidates
}

// RecordSuccess updates a key's usage counters exactly once per completed
// request and schedules a debounced persist.
func (m *Manager) RecordSuccess(ks *KeyState, delta Counters) {
	ks.RecordSuccess(delta)
	m.schedulePersist()
}

// RecordFailure mutates the key's cooldown/lockout state per the failure
// kind and schedules a debounced persist. The snapshot holds only usage
// counters and the reset date, so cooldown and lockout state is not
// persisted by that write.
func (m *Manager) RecordFailure(ks *KeyState, modelName string, kind classify.Kind) {
	ks.RecordFailure(modelName, kind, m.clock.Now(), m.tunables)
	m.schedulePersist()
}

// DailyResetIfNeeded sweeps every key; idempotent, safe to call reactively
// (from SelectKey) and proactively (from the cron ticker).
func (m *Manager) DailyResetIfNeeded() {
	now := m.clock.Now()
	var any bool
	for _, ks := range m.byKey {
		if ks.DailyResetIfNeeded(now) {
			any = true
		}
	}
	if any {
		m.logger.Info("usage: daily reset applied", zap.Time("date", now))
		m.schedulePersist()
	}
}

// schedulePersist debounces writes per spec.md §5: a coalesced 1s window,
// serialized by a single timer-driven writer.
func (m *Manager) schedulePersist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if m.persistClosing {
		return
	}
	m.persistDirty = true
	if m.persistTimer != nil {
		return
	}

	window := time.Duration(m.tunables.PersistDebounceMillis) * time.Millisecond
	m.persistTimer = time.AfterFunc(window, m.flushPersist)
}

func (m *Manager) flushPersist() {
	m.persistMu.Lock()
	m.persistTimer = nil
	dirty := m.persistDirty
	m.persistDirty = false
	m.persistMu.Unlock()

	if !dirty {
		return
	}
	if err := m.save(); err != nil {
		m.logger.Error("usage: failed to persist snapshot", zap.Error(err))
	}
}

// Flush forces any pending debounced write out immediately; used on close.
func (m *Manager) Flush() {
	m.persistMu.Lock()
	if m.persistTimer != nil {
		m.persistTimer.Stop()
		m.persistTimer = nil
	}
	dirty := m.persistDirty
	m.persistDirty = false
	m.persistMu.Unlock()

	if dirty {
		if err := m.save(); err != nil {
			m.logger.Error("usage: failed to flush snapshot on close", zap.Error(err))
		}
	}
}

// Close stops the background daily-reset ticker and flushes persistence.
func (m *Manager) Close() {
	m.persistMu.Lock()
	m.persistClosing = true
	m.persistMu.Unlock()

	if m.cronRunner != nil {
		ctx := m.cronRunner.Stop()
		<-ctx.Done()
	}
	m.Flush()
}

func (m *Manager) save() error {
	snap := store.Snapshot{
		LastResetDate: m.clock.LocalDate().Format("2006-01-02"),
		Keys:          make(map[string]store.KeySnapshot, len(m.byKey)),
	}
	for key, ks := range m.byKey {
		today, total := ks.snapshot()
		snap.Keys[fingerprint(key)] = store.KeySnapshot{
			Provider: ks.Provider,
			UsageToday: store.UsageTotals{
				Calls: today.Calls, PromptTokens: today.PromptTokens,
				CompletionTokens: today.CompletionTokens, ApproxCostUSD: today.ApproxCostUSD,
			},
			UsageTotal: store.UsageTotals{
				Calls: total.Calls, PromptTokens: total.PromptTokens,
				CompletionTokens: total.CompletionTokens, ApproxCostUSD: total.ApproxCostUSD,
			},
		}
	}
	return m.store.Save(snap)
}

func (m *Manager) load() error {
	snap, err := m.store.Load()
	if err != nil {
		return err
	}

	for key, ks := range m.byKey {
		fp := fingerprint(key)
		ksnap, ok := snap.Keys[fp]
		if !ok {
			continue
		}
		ks.restore(
			Counters{
				Calls: ksnap.UsageToday.Calls, PromptTokens: ksnap.UsageToday.PromptTokens,
				CompletionTokens: ksnap.UsageToday.CompletionTokens, ApproxCostUSD: ksnap.UsageToday.ApproxCostUSD,
			},
			Counters{
				Calls: ksnap.UsageTotal.Calls, PromptTokens: ksnap.UsageTotal.PromptTokens,
				CompletionTokens: ksnap.UsageTotal.CompletionTokens, ApproxCostUSD: ksnap.UsageTotal.ApproxCostUSD,
			},
		)
	}
	return nil
}
