package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"llm-router/internal/classify"
	"llm-router/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTunables() model.EngineTunables {
	t := model.DefaultTunables()
	t.BaseCooldownSeconds = 1 // keep the test fast
	return t
}

func TestKeyState_SameModelIsMutuallyExclusive(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 8, now)

	rel, ok := ks.TryAcquire("gpt-x")
	require.True(t, ok)

	_, ok2 := ks.TryAcquire("gpt-x")
	assert.False(t, ok2, "second concurrent acquisition of the same (key, model) must fail")

	rel.Release()

	rel2, ok3 := ks.TryAcquire("gpt-x")
	assert.True(t, ok3, "after release the model lock must be acquirable again")
	rel2.Release()
}

func TestKeyState_DistinctModelsConcurrent(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 8, now)

	relA, okA := ks.TryAcquire("model-a")
	relB, okB := ks.TryAcquire("model-b")

	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, int64(2), ks.InFlight())

	relA.Release()
	relB.Release()
	assert.Equal(t, int64(0), ks.InFlight())
}

func TestKeyState_SharedUseGateCapsConcurrency(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 2, now) // cap of 2 distinct models

	rel1, ok1 := ks.TryAcquire("m1")
	rel2, ok2 := ks.TryAcquire("m2")
	_, ok3 := ks.TryAcquire("m3")

	require.True(t, ok1)
	require.True(t, ok2)
	assert.False(t, ok3, "third distinct model must be refused once the gate is saturated")

	rel1.Release()
	rel2.Release()
}

func TestReleaseToken_DoubleReleaseIsNoop(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 8, now)

	rel, ok := ks.TryAcquire("m")
	require.True(t, ok)

	rel.Release()
	assert.NotPanics(t, func() { rel.Release() })

	_, ok2 := ks.TryAcquire("m")
	assert.True(t, ok2, "double release must not double-increment the gate or lock")
}

func TestKeyState_WaitAcquireRespectsDeadline(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 8, now)

	rel, ok := ks.TryAcquire("m")
	require.True(t, ok)
	defer rel.Release()

	deadline := time.Now().Add(50 * time.Millisecond)
	_, err := ks.WaitAcquire(context.Background(), "m", deadline)
	assert.Error(t, err, "waiting on a held lock past the deadline must fail")
}

func TestKeyState_WaitAcquireUnblocksOnRelease(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 8, now)

	rel, ok := ks.TryAcquire("m")
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rel.Release()
	}()

	deadline := time.Now().Add(2 * time.Second)
	rel2, err := ks.WaitAcquire(context.Background(), "m", deadline)
	require.NoError(t, err)
	rel2.Release()
}

func TestKeyState_RateLimitCooldownFormula(t *testing.T) {
	now := time.Now()
	tun := testTunables()
	ks := newKeyState("k1", "openai", 0, 8, now)

	ks.RecordFailure("m", classify.KindRateLimit, now, tun)
	assert.False(t, ks.Eligible("m", now))
	// strikes=1 -> until = now + base*2^1 = now + 2s (base=1s in testTunables).
	assert.False(t, ks.Eligible("m", now.Add(1500*time.Millisecond)))
	assert.True(t, ks.Eligible("m", now.Add(2100*time.Millisecond)), "cooldown should have elapsed")
}

func TestKeyState_AuthFailureAccumulatesDistinctModelFailuresAndLocksOut(t *testing.T) {
	now := time.Now()
	tun := testTunables()
	tun.DistinctModelFailureLimit = 2
	ks := newKeyState("k1", "openai", 0, 8, now)

	locked1 := ks.RecordFailure("model-a", classify.KindAuthentication, now, tun)
	assert.False(t, locked1)
	assert.True(t, ks.Eligible("model-b", now), "failures on model-a must not cooldown model-b")

	locked2 := ks.RecordFailure("model-b", classify.KindAuthentication, now, tun)
	assert.True(t, locked2, "reaching the distinct-model-failure threshold must trigger a key-wide lockout")

	assert.False(t, ks.Eligible("model-c", now), "a locked-out key is ineligible for every model")
}

func TestKeyState_QuotaExhaustedCooldownUntilMidnight(t *testing.T) {
	now := time.Date(2026, 7, 31, 14, 0, 0, 0, time.Local)
	tun := testTunables()
	ks := newKeyState("k1", "openai", 0, 8, now)

	ks.RecordFailure("m", classify.KindQuotaExhausted, now, tun)
	assert.False(t, ks.Eligible("m", now))
	assert.False(t, ks.Eligible("m", now.Add(9*time.Hour)), "quota cooldown must survive until local midnight")
}

func TestKeyState_TransientAndBadRequestDoNotMutateState(t *testing.T) {
	now := time.Now()
	tun := testTunables()
	ks := newKeyState("k1", "openai", 0, 8, now)

	for _, k := range []classify.Kind{classify.KindTransientServer, classify.KindBadRequest, classify.KindContextLength, classify.KindUnknown} {
		locked := ks.RecordFailure("m", k, now, tun)
		assert.False(t, locked)
		assert.True(t, ks.Eligible("m", now))
	}
}

func TestKeyState_DailyResetClearsCooldownsAndArchivesUsage(t *testing.T) {
	day1 := time.Date(2026, 7, 31, 10, 0, 0, 0, time.Local)
	tun := testTunables()
	ks := newKeyState("k1", "openai", 0, 8, day1)

	ks.RecordFailure("m", classify.KindRateLimit, day1, tun)
	ks.RecordSuccess(Counters{Calls: 1, PromptTokens: 10, CompletionTokens: 5})

	day2 := day1.AddDate(0, 0, 1)
	reset := ks.DailyResetIfNeeded(day2)
	assert.True(t, reset)

	assert.True(t, ks.Eligible("m", day2), "cooldowns must be cleared on reset")

	today, total := ks.snapshot()
	assert.Equal(t, Counters{}, today, "usage_today must be zeroed on reset")
	assert.Equal(t, int64(1), total.Calls, "usage_total must retain the archived calls")

	assert.False(t, ks.DailyResetIfNeeded(day2), "reset must be idempotent within the same day")
}

func TestKeyState_ConcurrentAccessIsRaceFree(t *testing.T) {
	now := time.Now()
	ks := newKeyState("k1", "openai", 0, 8, now)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			modelName := "m"
			if n%2 == 0 {
				modelName = "other"
			}
			if rel, ok := ks.TryAcquire(modelName); ok {
				time.Sleep(time.Millisecond)
				rel.Release()
			}
			ks.RecordSuccess(Counters{Calls: 1})
		}(i)
	}
	wg.Wait()

	_, total := ks.snapshot()
	assert.Equal(t, int64(20), total.Calls)
}
