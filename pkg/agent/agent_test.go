// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/export"
	"github.com/mbeema/photonring/pkg/hook"
	"github.com/mbeema/photonring/pkg/ksym"
	"github.com/mbeema/photonring/pkg/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const kallsyms = `ffffffff81000000 T _stext
ffffffff8113c2d0 T register_kprobe
ffffffff8113c5a0 T unregister_kprobe
`

type fakeBinder struct {
	mu       sync.Mutex
	filtered bool
	cb       hook.Callback
	closed   bool

	filterErr, attachErr error
}

func (f *fakeBinder) Name() string { return "fake" }

var errBinderClosed = errors.New("binder closed")

func (f *fakeBinder) Filter(ksym.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errBinderClosed
	}
	if f.filterErr != nil {
		return f.filterErr
	}
	f.filtered = true
	return nil
}

func (f *fakeBinder) Unfilter(ksym.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filtered = false
	return nil
}

func (f *fakeBinder) Attach(_ ksym.Target, cb hook.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errBinderClosed
	}
	if f.attachErr != nil {
		return f.attachErr
	}
	f.cb = cb
	return nil
}

func (f *fakeBinder) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = nil
	return nil
}

func (f *fakeBinder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fire delivers one register_kprobe call for symbol.
func (f *fakeBinder) fire(t *testing.T, symbol string) {
	t.Helper()
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	require.NotNil(t, cb, "binder not attached")

	raw := make([]byte, probe.RecordSize)
	ne := binary.NativeEndian
	ne.PutUint64(raw[probe.OffPIDTGID:], uint64(4242)<<32|4242)
	ne.PutUint64(raw[probe.OffArgs:], 0xffff888000abc000)
	ne.PutUint64(raw[probe.OffSymbolPtr:], 0xffffffffc0de0000)
	copy(raw[probe.OffSymbol:], symbol)
	copy(raw[probe.OffComm:], "insmod")

	var call probe.InterceptedCall
	require.NoError(t, probe.ParseCall(raw, &call))
	cb(&call)
}

type testEnv struct {
	cfg  *config.Config
	kmsg string

	// binder is the one handed to the latest Start.
	binder               *fakeBinder
	binders              int
	filterErr, attachErr error
}

func (e *testEnv) newBinder(*config.Config) hook.Binder {
	e.binder = &fakeBinder{filterErr: e.filterErr, attachErr: e.attachErr}
	e.binders++
	return e.binder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	syms := filepath.Join(dir, "kallsyms")
	require.NoError(t, os.WriteFile(syms, []byte(kallsyms), 0o644))
	kmsgPath := filepath.Join(dir, "kmsg")
	require.NoError(t, os.WriteFile(kmsgPath, nil, 0o644))

	cfg := config.DefaultConfig()
	cfg.Hook.KallsymsPath = syms
	cfg.Alerts.Kmsg.Path = kmsgPath
	cfg.Alerts.Log = false
	cfg.Alerts.Enrich = false
	cfg.Alerts.Journal.Dir = filepath.Join(dir, "journal")

	return &testEnv{cfg: cfg, kmsg: kmsgPath}
}

func (e *testEnv) agent(t *testing.T) *Agent {
	t.Helper()
	a, err := newAgent(e.cfg, zap.NewNop(), zap.NewAtomicLevel(), "test", e.newBinder, ksym.Resolve, nil)
	require.NoError(t, err)
	return a
}

func (e *testEnv) kmsgLines(t *testing.T) []string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("kernel log writer requires Linux")
	}
	data, err := os.ReadFile(e.kmsg)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t)

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, hook.Active, a.HookState())
	assert.True(t, env.binder.filtered)

	env.binder.fire(t, "kallsyms_lookup_name")
	env.binder.fire(t, "do_sys_open")

	require.NoError(t, a.Stop())
	assert.Equal(t, hook.Unregistered, a.HookState())
	assert.False(t, env.binder.filtered)
	assert.True(t, env.binder.closed)
	assert.Equal(t, int64(2), a.Stats().RegistrationsObserved.Load())
	assert.Equal(t, int64(1), a.Stats().SuspiciousDetected.Load())

	assert.Equal(t, []string{
		"<6>[PHOTON RING] initializing kprobe detector...",
		"<6>[PHOTON RING] found register_kprobe at: ffffffff8113c2d0",
		"<6>[PHOTON RING] successfully hooked register_kprobe",
		"<6>[PHOTON RING] now monitoring all kprobe registrations...",
		"<1>[PHOTON RING] Kprobe registered for symbol: kallsyms_lookup_name",
		"<1>[PHOTON RING] SUSPICIOUS *** kallsyms_lookup_name probe detected!",
		"<1>[PHOTON RING] Kprobe registered for symbol: do_sys_open",
		"<6>[PHOTON RING] removing kprobe detector...",
		"<6>[PHOTON RING] kprobe detector removed",
	}, env.kmsgLines(t))
}

func TestStartResolveFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.cfg.Hook.KallsymsPath, []byte("ffffffff81000000 T _stext\n"), 0o644))
	a := env.agent(t)

	err := a.Start(context.Background())
	assert.ErrorIs(t, err, ksym.ErrSymbolNotFound)
	assert.Zero(t, env.binders, "no binder before the target is known")
	assert.Equal(t, hook.Unregistered, a.HookState())
	assert.NoError(t, a.Stop())
}

func TestStartFilterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.filterErr = errors.New("address not traceable")
	a := env.agent(t)

	err := a.Start(context.Background())
	var fe *hook.FilterConfigError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, hook.Unregistered, a.HookState())

	lines := env.kmsgLines(t)
	assert.Equal(t, "<3>[PHOTON RING] failed to set probe filter: address not traceable", lines[len(lines)-1])
}

func TestStartAttachFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.attachErr = errors.New("program rejected")
	a := env.agent(t)

	err := a.Start(context.Background())
	var re *hook.RegistrationError
	require.ErrorAs(t, err, &re)
	assert.False(t, env.binder.filtered)
	assert.True(t, env.binder.closed)
}

func TestStartAfterFailedStart(t *testing.T) {
	env := newTestEnv(t)
	env.filterErr = errors.New("address not traceable")
	a := env.agent(t)

	require.Error(t, a.Start(context.Background()))
	failed := env.binder
	assert.True(t, failed.closed)

	env.filterErr = nil
	require.NoError(t, a.Start(context.Background()))
	assert.NotSame(t, failed, env.binder)
	assert.Equal(t, hook.Active, a.HookState())

	env.binder.fire(t, "kallsyms_lookup_name")
	require.NoError(t, a.Stop())
	assert.Equal(t, int64(1), a.Stats().SuspiciousDetected.Load())
	assert.Equal(t, 2, env.binders)
}

func TestRestartAfterStop(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t)

	require.NoError(t, a.Start(context.Background()))
	first := env.binder
	require.NoError(t, a.Stop())
	assert.True(t, first.closed)

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, hook.Active, a.HookState())
	assert.True(t, env.binder.filtered)
	env.binder.fire(t, "do_sys_open")
	require.NoError(t, a.Stop())

	assert.Equal(t, hook.Unregistered, a.HookState())
	assert.True(t, env.binder.closed)
	assert.Equal(t, 2, env.binders)
	assert.Equal(t, int64(1), a.Stats().RegistrationsObserved.Load())
}

func TestStartTwice(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	assert.Error(t, a.Start(context.Background()))
}

func TestJournalReceivesEvents(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Alerts.Kmsg.Enabled = false
	env.cfg.Alerts.Journal.Enabled = true
	a := env.agent(t)

	require.NoError(t, a.Start(context.Background()))
	env.binder.fire(t, "kallsyms_lookup_name")
	require.NoError(t, a.Stop())

	data, err := os.ReadFile(filepath.Join(env.cfg.Alerts.Journal.Dir, export.JournalFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"kprobe_registered"`)
	assert.Contains(t, lines[1], `"type":"suspicious_probe"`)
	assert.Contains(t, lines[1], `"comm":"insmod"`)
}

func TestHealthServesRecentEvents(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Alerts.Kmsg.Enabled = false
	env.cfg.Alerts.Flush = 10 * time.Millisecond
	env.cfg.Health.Enabled = true
	env.cfg.Health.Port = "127.0.0.1:0"
	a := env.agent(t)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	env.binder.fire(t, "kallsyms_lookup_name")

	url := "http://" + a.healthServer.Addr() + "/api/events"
	var events []struct {
		Seq      uint64                 `json:"seq"`
		Type     string                 `json:"type"`
		Severity string                 `json:"severity"`
		Data     map[string]interface{} `json:"data"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		events = nil
		return json.NewDecoder(resp.Body).Decode(&events) == nil && len(events) == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "kprobe_registered", events[0].Type)
	assert.Equal(t, "suspicious_probe", events[1].Type)
	assert.Equal(t, "high", events[1].Severity)
	assert.Equal(t, "kallsyms_lookup_name", events[1].Data["symbol"])
}

func TestReload(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Alerts.Kmsg.Enabled = false
	level := zap.NewAtomicLevel()
	a, err := newAgent(env.cfg, zap.NewNop(), level, "test", env.newBinder, ksym.Resolve, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	next := *env.cfg
	next.LogLevel = "debug"
	next.Detection.Rules = []config.RuleConfig{{
		Name:     "ftrace",
		Match:    "prefix",
		Pattern:  "ftrace_",
		Severity: "suspicious",
	}}
	require.NoError(t, a.Reload(&next))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	env.binder.fire(t, "ftrace_ops_list_func")
	assert.Equal(t, int64(1), a.Stats().SuspiciousDetected.Load())

	bad := next
	bad.LogLevel = "loud"
	assert.Error(t, a.Reload(&bad))
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}
