package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"coldcaller-telephony/internal/configstore"
	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/internal/telephony"
	"coldcaller-telephony/internal/telephony/telephonytest"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var fixedNow = time.UnixMilli(1700000000000).UTC()

const agentID = "acme_agent_pbx.example.com_1700000000000"

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	store    *configstore.Memory
	provider *telephonytest.Provider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	color.NoColor = true
	return &harness{store: configstore.NewMemory(), provider: telephonytest.NewProvider("acme")}
}

func (h *harness) open(ctx context.Context, a *app) (*registry.Registry, func(), error) {
	reg, err := registry.New(ctx, registry.Options{
		Store:            h.store,
		Providers:        telephony.NewRegistry(h.provider),
		Events:           a.bus,
		Now:              func() time.Time { return fixedNow },
		HealthInterval:   a.v.GetDuration("interval"),
		FailureThreshold: a.v.GetInt("threshold"),
	})
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}

// run executes one callctl invocation against the harness store.
func (h *harness) run(ctx context.Context, args ...string) (string, error) {
	out := &syncBuffer{}
	a := &app{v: viper.New(), out: out, bus: events.NewBus(nil), open: h.open}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (h *harness) view(t *testing.T, id string) registry.View {
	t.Helper()
	a := &app{v: viper.New(), bus: events.NewBus(nil)}
	reg, closeFn, err := h.open(context.Background(), a)
	require.NoError(t, err)
	defer closeFn()
	v, err := reg.Get(id)
	require.NoError(t, err)
	return v
}

func addAgent(t *testing.T, h *harness, extra ...string) {
	t.Helper()
	args := append([]string{"config", "add",
		"--provider", "acme",
		"--uri", "sip:agent@pbx.example.com",
		"--username", "agent",
		"--secret", "s3cret",
		"--server", "pbx.example.com:5060",
	}, extra...)
	out, err := h.run(context.Background(), args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration '"+agentID+"' added")
}

func TestConfigAddListShow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.run(ctx, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No configurations")

	addAgent(t, h, "--activate", "--name", "Main PBX", "--ice", "stun:stun.example.com:3478")

	out, err = h.run(ctx, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, agentID)
	assert.Contains(t, out, "Main PBX")
	assert.Contains(t, out, "never")

	out, err = h.run(ctx, "config", "show", agentID)
	require.NoError(t, err)
	assert.Contains(t, out, "stun:stun.example.com:3478")
	assert.NotContains(t, out, "s3cret")
	assert.True(t, h.view(t, agentID).IsActive)
}

func TestConfigAddSecretFromEnv(t *testing.T) {
	h := newHarness(t)
	t.Setenv("CALLCTL_SECRET", "from-env")

	out, err := h.run(context.Background(), "config", "add",
		"--provider", "acme", "--uri", "sip:agent@pbx.example.com",
		"--username", "agent", "--server", "pbx.example.com:5060")
	require.NoError(t, err, out)
	assert.True(t, h.view(t, agentID).HasSecret)
}

func TestConfigAddValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(context.Background(), "config", "add",
		"--provider", "Acme!", "--uri", "not-a-uri",
		"--username", "agent", "--secret", "x", "--server", "pbx.example.com:5060")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
	assert.Contains(t, err.Error(), "uri")
}

func TestConfigUpdateKeepsUnsetFields(t *testing.T) {
	h := newHarness(t)
	addAgent(t, h, "--display-name", "Sales")

	out, err := h.run(context.Background(), "config", "update", agentID, "--connection-timeout", "4000")
	require.NoError(t, err)
	assert.Contains(t, out, "updated")

	v := h.view(t, agentID)
	assert.Equal(t, 4000, v.ConnectionTimeoutMs)
	assert.Equal(t, "Sales", v.DisplayName)
	assert.True(t, v.HasSecret)
}

func TestConfigDeleteActiveRefused(t *testing.T) {
	h := newHarness(t)
	addAgent(t, h, "--activate")

	_, err := h.run(context.Background(), "config", "delete", agentID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is active")

	_, err = h.run(context.Background(), "config", "delete", "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestConfigActivateAndTest(t *testing.T) {
	h := newHarness(t)
	addAgent(t, h)

	out, err := h.run(context.Background(), "config", "activate", agentID)
	require.NoError(t, err)
	assert.Contains(t, out, "is now active")

	out, err = h.run(context.Background(), "config", "test", agentID)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+agentID)

	h.provider.SetHealth(assert.AnError)
	out, err = h.run(context.Background(), "config", "test", agentID)
	require.Error(t, err)
	assert.Contains(t, out, "✗ "+agentID)
	assert.Equal(t, 1, h.view(t, agentID).FailureCount)
}

func TestMonitorPrintsEventsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	addAgent(t, h, "--activate")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	out, err := h.run(ctx, "monitor", "--interval", "20ms")
	require.NoError(t, err)

	assert.Contains(t, out, string(events.MonitoringStarted))
	assert.Contains(t, out, string(events.MonitoringUpdate))
	assert.Contains(t, out, string(events.MonitoringStopped))
	assert.Greater(t, h.provider.HealthCalls(), 0)
}

func TestHashPassword(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(context.Background(), "hash-password", "letmein")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("letmein")))
}
