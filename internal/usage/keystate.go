// Package usage implements the UsageManager (C2): per-key lifecycle state,
// the tiered key/model locking discipline, cooldown/lockout bookkeeping,
// and debounced persistence. It supersedes internal/proxy.CredentialManager
// — same round-robin-over-a-mutex shape, generalized to the per-(key,model)
// cooldown and shared-use-gate contract of spec.md §3/§4.2.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"llm-router/internal/classify"
	"llm-router/internal/clockutil"
	"llm-router/internal/model"

	"golang.org/x/sync/semaphore"
)

// Counters is the per-key usage accumulator of spec.md §3.
type Counters struct {
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	ApproxCostUSD    float64
}

func (c *Counters) add(delta Counters) {
	c.Calls += delta.Calls
	c.PromptTokens += delta.PromptTokens
	c.CompletionTokens += delta.CompletionTokens
	c.ApproxCostUSD += delta.ApproxCostUSD
}

type cooldownEntry struct {
	until   time.Time
	strikes int
}

// KeyState is the live state for a single credential, created at
// construction and living for the manager's lifetime (spec.md §3
// "Lifecycle").
type KeyState struct {
	Key      string
	Provider string
	index    int

	mu                    sync.Mutex
	perModelCooldown      map[string]*cooldownEntry
	keyLockoutUntil       time.Time
	distinctModelFailures map[string]struct{}
	usageToday            Counters
	usageTotal            Counters
	lastResetDate         time.Time
	lastUsed              time.Time

	inFlight int64 // atomic

	modelLocksMu sync.Mutex
	modelLocks   map[string]chan struct{}

	sharedUseGate *semaphore.Weighted
}

func newKeyState(key, provider string, index int, maxConcurrentModels int64, now time.Time) *KeyState {
	return &KeyState{
		Key:                   key,
		Provider:              provider,
		index:                 index,
		perModelCooldown:      make(map[string]*cooldownEntry),
		distinctModelFailures: make(map[string]struct{}),
		lastResetDate:         time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
		modelLocks:            make(map[string]chan struct{}),
		sharedUseGate:         semaphore.NewWeighted(maxConcurrentModels),
	}
}

// modelLock lazily creates the per-model binary lock. Channel receive/send
// is the lock's FIFO acquire/release primitive: the Go runtime serves
// blocked channel operations in arrival order, which is what gives us
// spec.md §5's "waiters on a (key, model) mutex are served in FIFO arrival
// order" guarantee.
func (k *KeyState) modelLock(modelName string) chan struct{} {
	k.modelLocksMu.Lock()
	defer k.modelLocksMu.Unlock()

	ch, ok := k.modelLocks[modelName]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		k.modelLocks[modelName] = ch
	}
	return ch
}

// Eligible reports whether this key may currently be selected for modelName:
// not globally locked out, and not on a per-model cooldown.
func (k *KeyState) Eligible(modelName string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.eligibleLocked(modelName, now)
}

func (k *KeyState) eligibleLocked(modelName string, now time.Time) bool {
	if now.Before(k.keyLockoutUntil) {
		return false
	}
	if cd, ok := k.perModelCooldown[modelName]; ok && now.Before(cd.until) {
		return false
	}
	return true
}

// InFlight returns the number of requests currently holding this key across
// any model, used for the "fewest in-flight" tie-break in selection.
func (k *KeyState) InFlight() int64 {
	return atomic.LoadInt64(&k.inFlight)
}

// LastUsed returns the last time this key was handed out, used for the
// "least recent use" tie-break.
func (k *KeyState) LastUsed() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastUsed
}

// ReleaseToken is the opaque handle returned from acquisition. Release MUST
// be invoked exactly once; a second call is a documented no-op.
type ReleaseToken struct {
	once     sync.Once
	key      *KeyState
	modelCh  chan struct{}
	gateHeld bool
}

// Release returns the key's locks to the pool. Idempotent.
func (t *ReleaseToken) Release() {
	t.once.Do(func() {
		atomic.AddInt64(&t.key.inFlight, -1)
		if t.gateHeld {
			t.key.sharedUseGate.Release(1)
		}
		t.modelCh <- struct{}{}
	})
}

// TryAcquire attempts a non-blocking acquisition: the per-model mutex must
// be immediately obtainable AND the shared-use gate must have slack. Used
// for tier 1 of spec.md §4.2's tiered acquisition.
func (k *KeyState) TryAcquire(modelName string) (*ReleaseToken, bool) {
	if !k.sharedUseGate.TryAcquire(1) {
		return nil, false
	}

	ch := k.modelLock(modelName)
	select {
	case <-ch:
		k.mu.Lock()
		k.lastUsed = time.Now()
		k.mu.Unlock()
		atomic.AddInt64(&k.inFlight, 1)
		return &ReleaseToken{key: k, modelCh: ch, gateHeld: true}, true
	default:
		k.sharedUseGate.Release(1)
		return nil, false
	}
}

// WaitAcquire blocks (bounded by deadline) on this key's per-model mutex,
// used for tier 2 of spec.md §4.2's tiered acquisition.
func (k *KeyState) WaitAcquire(ctx context.Context, modelName string, deadline time.Time) (*ReleaseToken, error) {
	ch := k.modelLock(modelName)

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case <-ch:
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}

	if err := k.sharedUseGate.Acquire(waitCtx, 1); err != nil {
		ch <- struct{}{}
		return nil, err
	}

	k.mu.Lock()
	k.lastUsed = time.Now()
	k.mu.Unlock()
	atomic.AddInt64(&k.inFlight, 1)
	return &ReleaseToken{key: k, modelCh: ch, gateHeld: true}, nil
}

// RecordFailure mutates cooldown/lockout state per spec.md §4.2's table.
// Returns true if this failure pushed the key into a key-wide lockout.
func (k *KeyState) RecordFailure(modelName string, kind classify.Kind, now time.Time, t model.EngineTunables) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch kind {
	case classify.KindRateLimit:
		k.strike(modelName, 1, now, t)
	case classify.KindAuthentication:
		locked := k.strike(modelName, 2, now, t)
		k.distinctModelFailures[modelName] = struct{}{}
		if len(k.distinctModelFailures) >= t.DistinctModelFailureLimit {
			k.keyLockoutUntil = now.Add(time.Duration(t.KeyLockoutSeconds) * time.Second)
			k.distinctModelFailures = make(map[string]struct{})
			return true
		}
		return locked
	case classify.KindQuotaExhausted:
		k.perModelCooldown[modelName] = &cooldownEntry{until: clockutil.NextLocalMidnight(now)}
	case classify.KindTransientServer, classify.KindBadRequest, classify.KindContextLength, classify.KindUnknown:
		// no state change: not the key's fault (or retried in place).
	}
	return false
}

// strike bumps the (key, model) cooldown's strike counter and recomputes
// its expiry using the exponential back-off formula of spec.md §4.2:
// base * 2^min(strikes, CAP).
func (k *KeyState) strike(modelName string, delta int, now time.Time, t model.EngineTunables) bool {
	cd, ok := k.perModelCooldown[modelName]
	if !ok {
		cd = &cooldownEntry{}
		k.perModelCooldown[modelName] = cd
	}
	cd.strikes += delta

	exp := cd.strikes
	if exp > t.CooldownStrikeCap {
		exp = t.CooldownStrikeCap
	}
	backoff := t.BaseCooldownSeconds
	for i := 0; i < exp; i++ {
		backoff *= 2
	}
	cd.until = now.Add(time.Duration(backoff * float64(time.Second)))
	return false
}

// RecordSuccess updates usage counters for a completed call.
func (k *KeyState) RecordSuccess(delta Counters) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.usageToday.add(delta)
	k.usageTotal.add(delta)
}

// DailyResetIfNeeded performs the rollover described in spec.md §3 if the
// calendar date has advanced since the last reset. Idempotent within a day.
func (k *KeyState) DailyResetIfNeeded(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !today.After(k.lastResetDate) {
		return false
	}

	k.perModelCooldown = make(map[string]*cooldownEntry)
	k.distinctModelFailures = make(map[string]struct{})
	k.usageToday = Counters{}
	k.lastResetDate = today
	return true
}

// snapshot returns a copy of this key's usage counters, for persistence.
func (k *KeyState) snapshot() (today, total Counters) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.usageToday, k.usageTotal
}

// restore seeds usage counters from a loaded persistence snapshot.
func (k *KeyState) restore(today, total Counters) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.usageToday = today
	k.usageTotal = total
}
