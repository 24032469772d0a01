package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		IgnoredStatus:    map[int]bool{404: true},
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New("ris.example.de", testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure(500)
		assert.Equal(t, StateClosed, b.State())
		require.NoError(t, b.Allow())
	}

	b.RecordFailure(500)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_IgnoredStatusNeverCounts(t *testing.T) {
	b := New("ris.example.de", testConfig())

	for i := 0; i < 20; i++ {
		b.RecordFailure(404)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_FailureWhitelistOnlyCountsListedCodes(t *testing.T) {
	cfg := testConfig()
	cfg.FailureStatus = map[int]bool{0: true, 500: true}
	b := New("ris.example.de", cfg)

	// Off-whitelist codes never count, no matter how many.
	for i := 0; i < 20; i++ {
		b.RecordFailure(502)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())

	// Whitelisted codes and transport failures (status 0) count as usual.
	for i := 0; i < 3; i++ {
		b.RecordFailure(500)
	}
	b.RecordFailure(0)
	b.RecordFailure(500)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_NilWhitelistCountsEverything(t *testing.T) {
	b := New("ris.example.de", testConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure(502)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsClosedCounter(t *testing.T) {
	b := New("ris.example.de", testConfig())

	b.RecordFailure(500)
	b.RecordFailure(500)
	b.RecordSuccess()

	// Counter cleared; another four failures must not trip.
	for i := 0; i < 4; i++ {
		b.RecordFailure(503)
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure(503)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RecoveryCycle(t *testing.T) {
	b := New("ris.example.de", testConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure(500)
	}
	require.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())

	// After the recovery timeout the next Allow moves to half-open.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// One probe success is not enough.
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("ris.example.de", testConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure(500)
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure(502)
	assert.Equal(t, StateOpen, b.State())

	// The open stamp was refreshed: fail fast again immediately.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("ris.example.de", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure(500)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []State
	cfg := testConfig()
	cfg.OnStateChange = func(host string, to State) {
		assert.Equal(t, "ris.example.de", host)
		transitions = append(transitions, to)
	}

	b := New("ris.example.de", cfg)
	for i := 0; i < 5; i++ {
		b.RecordFailure(500)
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	b.RecordSuccess()

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestRegistry_OneBreakerPerHost(t *testing.T) {
	r := NewRegistry(testConfig())

	a := r.ForURL("https://ris.example.de/oparl/v1/papers?page=2")
	b := r.ForURL("https://ris.example.de/oparl/v1/meetings")
	c := r.ForURL("https://ratsinfo.other.de/system")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "ris.example.de", a.Host())
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Get("b.example.de").RecordFailure(500)
	r.Get("a.example.de")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a.example.de", snap[0].Host)
	assert.Equal(t, "b.example.de", snap[1].Host)
	assert.Equal(t, 1, snap[1].Failures)
}

func TestRegistry_ResetAll(t *testing.T) {
	r := NewRegistry(testConfig())
	b := r.Get("x.example.de")
	for i := 0; i < 5; i++ {
		b.RecordFailure(500)
	}
	require.Equal(t, StateOpen, b.State())

	r.ResetAll()
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
