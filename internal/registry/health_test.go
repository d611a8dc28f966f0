package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// activeFixture creates and activates one config with millisecond backoff.
func activeFixture(t *testing.T, opts registry.Options, attempts, baseMs int) (*fixture, string) {
	t.Helper()
	f := newFixture(t, opts)
	in := acmeInput("u")
	in.MaxReconnectAttempts = ptr(attempts)
	in.ReconnectBaseDelayMs = ptr(baseMs)
	v, err := f.reg.Create(context.Background(), in)
	require.NoError(t, err)
	_, err = f.reg.SetActive(context.Background(), v.ID)
	require.NoError(t, err)
	return f, v.ID
}

func TestCheckNow_NoActiveConfigIsNoop(t *testing.T) {
	f := newFixture(t, registry.Options{})
	f.reg.CheckNow(context.Background())
	assert.Equal(t, 0, f.provider.HealthCalls())
}

func TestScenarioC_RecoveryExhausts(t *testing.T) {
	f, id := activeFixture(t, registry.Options{FailureThreshold: 3}, 3, 1)
	ctx := context.Background()
	f.provider.SetHealth(errors.New("503 service unavailable"))

	f.reg.CheckNow(ctx)
	f.reg.CheckNow(ctx)
	assert.Empty(t, f.events.ofType(events.ConnectionFailure))
	assert.Equal(t, 2, f.reg.MonitorStatus().ConsecutiveFailures)

	f.reg.CheckNow(ctx)
	require.Len(t, f.events.ofType(events.ConnectionFailure), 1)

	require.Eventually(t, func() bool {
		return len(f.events.ofType(events.RecoveryFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	attempts := f.events.ofType(events.RecoveryAttempt)
	require.Len(t, attempts, 3)
	for i, want := range []int64{1, 2, 4} {
		assert.Equal(t, i+1, attempts[i].Payload["attempt"])
		assert.Equal(t, want, attempts[i].Payload["delayMs"])
		assert.Equal(t, 3, attempts[i].Payload["maxAttempts"])
		assert.Equal(t, id, attempts[i].Source)
	}
	assert.Empty(t, f.events.ofType(events.RecoverySuccessful))

	st := f.reg.MonitorStatus()
	assert.True(t, st.Exhausted)
	assert.False(t, st.Recovering)

	// Exhausted: further checks do not probe.
	probes := f.provider.HealthCalls()
	assert.Equal(t, 6, probes)
	f.reg.CheckNow(ctx)
	f.reg.CheckNow(ctx)
	assert.Equal(t, probes, f.provider.HealthCalls())

	// A manual test is intervention: the latch clears and checks resume.
	f.provider.SetHealth(nil)
	res, err := f.reg.Test(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, f.reg.MonitorStatus().Exhausted)

	f.reg.CheckNow(ctx)
	assert.Equal(t, probes+2, f.provider.HealthCalls())
	assert.Equal(t, 0, f.reg.MonitorStatus().ConsecutiveFailures)
}

func TestScenarioC_RecoverySucceeds(t *testing.T) {
	f, _ := activeFixture(t, registry.Options{FailureThreshold: 2}, 5, 20)
	ctx := context.Background()
	f.provider.SetHealth(errors.New("unreachable"))

	f.reg.CheckNow(ctx)
	f.reg.CheckNow(ctx)
	require.Len(t, f.events.ofType(events.ConnectionFailure), 1)
	assert.True(t, f.reg.MonitorStatus().Recovering)

	f.provider.SetHealth(nil)
	require.Eventually(t, func() bool {
		return len(f.events.ofType(events.RecoverySuccessful)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := f.reg.MonitorStatus()
	assert.False(t, st.Recovering)
	assert.False(t, st.Exhausted)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, f.events.ofType(events.RecoveryFailed))
}

func TestCheckNow_SuccessResetsStreak(t *testing.T) {
	f, _ := activeFixture(t, registry.Options{FailureThreshold: 3}, 3, 1)
	ctx := context.Background()

	f.provider.SetHealth(errors.New("down"))
	f.reg.CheckNow(ctx)
	f.reg.CheckNow(ctx)
	f.provider.SetHealth(nil)
	f.reg.CheckNow(ctx)
	f.provider.SetHealth(errors.New("down"))
	f.reg.CheckNow(ctx)

	assert.Equal(t, 1, f.reg.MonitorStatus().ConsecutiveFailures)
	assert.Empty(t, f.events.ofType(events.ConnectionFailure))
	assert.Len(t, f.events.ofType(events.MonitoringUpdate), 4)
}

func TestSetActive_CancelsRecoverySynchronously(t *testing.T) {
	f, _ := activeFixture(t, registry.Options{FailureThreshold: 1}, 5, 50)
	ctx := context.Background()
	other, err := f.reg.Create(ctx, acmeInput("other"))
	require.NoError(t, err)

	f.provider.SetHealth(errors.New("down"))
	f.reg.CheckNow(ctx)
	require.True(t, f.reg.MonitorStatus().Recovering)

	_, err = f.reg.SetActive(ctx, other.ID)
	require.NoError(t, err)

	st := f.reg.MonitorStatus()
	assert.False(t, st.Recovering)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, other.ID, st.ActiveID)

	// No attempt for the old config fires after SetActive returned.
	n := len(f.events.ofType(events.RecoveryAttempt))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, len(f.events.ofType(events.RecoveryAttempt)))
}

func TestMonitoring_StartStop(t *testing.T) {
	f, _ := activeFixture(t, registry.Options{HealthInterval: 10 * time.Millisecond}, 3, 1)

	require.True(t, f.reg.StartMonitoring())
	assert.False(t, f.reg.StartMonitoring(), "second start is rejected")
	assert.True(t, f.reg.MonitorStatus().Running)

	require.Eventually(t, func() bool {
		return len(f.events.ofType(events.MonitoringUpdate)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, f.reg.StopMonitoring())
	assert.False(t, f.reg.StopMonitoring())
	assert.False(t, f.reg.MonitorStatus().Running)

	n := f.provider.HealthCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, f.provider.HealthCalls(), "no probes after stop")

	assert.Len(t, f.events.ofType(events.MonitoringStarted), 1)
	assert.Len(t, f.events.ofType(events.MonitoringStopped), 1)
}

func TestStopMonitoring_StopsRecovery(t *testing.T) {
	f, _ := activeFixture(t, registry.Options{HealthInterval: 5 * time.Millisecond, FailureThreshold: 1}, 50, 20)
	f.provider.SetHealth(errors.New("down"))

	require.True(t, f.reg.StartMonitoring())
	require.Eventually(t, func() bool {
		return len(f.events.ofType(events.ConnectionFailure)) == 1
	}, 2*time.Second, 2*time.Millisecond)

	require.True(t, f.reg.StopMonitoring())
	assert.False(t, f.reg.MonitorStatus().Recovering)

	n := f.provider.HealthCalls()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, f.provider.HealthCalls())
}

func TestTest_OtherConfigKeepsRecoveryRunning(t *testing.T) {
	f, id := activeFixture(t, registry.Options{FailureThreshold: 1}, 3, 30)
	ctx := context.Background()
	backup, err := f.reg.Create(ctx, acmeInput("backup"))
	require.NoError(t, err)

	f.provider.SetHealth(errors.New("down"))
	f.reg.CheckNow(ctx)
	require.True(t, f.reg.MonitorStatus().Recovering)

	_, err = f.reg.Test(ctx, backup.ID)
	require.NoError(t, err)
	st := f.reg.MonitorStatus()
	assert.True(t, st.Recovering, "testing another config must not cancel recovery")
	assert.Equal(t, 1, st.ConsecutiveFailures)

	require.Eventually(t, func() bool {
		return len(f.events.ofType(events.RecoveryFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.events.ofType(events.RecoveryAttempt), 3)
	assert.Equal(t, id, f.events.ofType(events.RecoveryFailed)[0].Source)
	assert.True(t, f.reg.MonitorStatus().Exhausted)
}

func TestTest_ActiveConfigDuringRecovery(t *testing.T) {
	f, id := activeFixture(t, registry.Options{FailureThreshold: 1}, 5, 200)
	ctx := context.Background()

	f.provider.SetHealth(errors.New("down"))
	f.reg.CheckNow(ctx)
	require.True(t, f.reg.MonitorStatus().Recovering)

	// A failing manual test leaves the episode to the controller.
	res, err := f.reg.Test(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, f.reg.MonitorStatus().Recovering)
	assert.Equal(t, 1, f.reg.MonitorStatus().ConsecutiveFailures)

	// A passing one ends it as recovered.
	f.provider.SetHealth(nil)
	res, err = f.reg.Test(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)

	st := f.reg.MonitorStatus()
	assert.False(t, st.Recovering)
	assert.False(t, st.Exhausted)
	assert.Equal(t, 0, st.ConsecutiveFailures)

	recovered := f.events.ofType(events.RecoverySuccessful)
	require.Len(t, recovered, 1)
	assert.Equal(t, id, recovered[0].Source)
	assert.Equal(t, true, recovered[0].Payload["manual"])

	n := len(f.events.ofType(events.RecoveryAttempt))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, n, len(f.events.ofType(events.RecoveryAttempt)), "no attempts after recovery")
	assert.Len(t, f.events.ofType(events.RecoverySuccessful), 1)
	assert.Empty(t, f.events.ofType(events.RecoveryFailed))
}
