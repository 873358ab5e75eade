// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/store"
)

// fakeProbe scripts one behavior per attempt; the last entry repeats.
type fakeProbe struct {
	name     string
	attempts int
	script   []func(ctx context.Context) (Finding, error)
}

func (f *fakeProbe) Name() string { return f.name }

func (f *fakeProbe) Run(ctx context.Context, _ Target, _ map[string]any) (Finding, error) {
	i := f.attempts
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.attempts++
	return f.script[i](ctx)
}

func pass(msg string) func(context.Context) (Finding, error) {
	return func(context.Context) (Finding, error) {
		return Finding{Passed: true, Message: msg}, nil
	}
}

func fail(msg string) func(context.Context) (Finding, error) {
	return func(context.Context) (Finding, error) {
		return Finding{Passed: false, Message: msg}, nil
	}
}

func execErr(err error) func(context.Context) (Finding, error) {
	return func(context.Context) (Finding, error) {
		return Finding{}, err
	}
}

func newTestExecutor(t *testing.T, probes ...Probe) *Executor {
	t.Helper()
	r := NewRegistry()
	for _, p := range probes {
		r.Register(p)
	}
	e := NewExecutor(r, config.ProbeSettings{
		DefaultTimeout: time.Second,
		MaxBackoff:     4 * time.Second,
	})
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

var target = Target{WebsiteID: 1, Name: "shop", URL: "https://shop.example"}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProbe{name: "b"})
	r.Register(&fakeProbe{name: "a"})

	assert.Equal(t, []string{"a", "b"}, r.Names())

	p, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())

	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestExecutePassAndFail(t *testing.T) {
	e := newTestExecutor(t,
		&fakeProbe{name: "ok", script: []func(context.Context) (Finding, error){pass("all good")}},
		&fakeProbe{name: "bad", script: []func(context.Context) (Finding, error){fail("header missing")}},
	)

	r := e.Execute(context.Background(), target, store.TestConfig{ProbeName: "ok"})
	assert.Equal(t, store.ProbePassed, r.Status)
	assert.Equal(t, "all good", r.Message)
	assert.False(t, r.EndedAt.Before(r.StartedAt))

	r = e.Execute(context.Background(), target, store.TestConfig{ProbeName: "bad"})
	assert.Equal(t, store.ProbeFailed, r.Status)
	assert.Equal(t, "header missing", r.Message)
}

func TestExecuteInvertResult(t *testing.T) {
	e := newTestExecutor(t,
		&fakeProbe{name: "p", script: []func(context.Context) (Finding, error){pass("reachable")}},
	)
	r := e.Execute(context.Background(), target, store.TestConfig{ProbeName: "p", InvertResult: true})
	assert.Equal(t, store.ProbeFailed, r.Status)
}

func TestExecuteUnregisteredProbeSkipped(t *testing.T) {
	e := newTestExecutor(t)
	r := e.Execute(context.Background(), target, store.TestConfig{ProbeName: "ghost"})
	assert.Equal(t, store.ProbeSkipped, r.Status)
	assert.Contains(t, r.Message, "ghost")
}

func TestExecuteRetriesOnlyExecutionErrors(t *testing.T) {
	// Fails once with an execution error, then succeeds.
	flaky := &fakeProbe{name: "flaky", script: []func(context.Context) (Finding, error){
		execErr(errors.New("connection reset")),
		pass("recovered"),
	}}
	e := newTestExecutor(t, flaky)

	r := e.Execute(context.Background(), target, store.TestConfig{ProbeName: "flaky", RetryCount: 2})
	assert.Equal(t, store.ProbePassed, r.Status)
	assert.Equal(t, 2, flaky.attempts)

	// A check that ran and failed is not retried.
	failing := &fakeProbe{name: "failing", script: []func(context.Context) (Finding, error){
		fail("csp missing"),
		pass("should never run"),
	}}
	e = newTestExecutor(t, failing)
	r = e.Execute(context.Background(), target, store.TestConfig{ProbeName: "failing", RetryCount: 3})
	assert.Equal(t, store.ProbeFailed, r.Status)
	assert.Equal(t, 1, failing.attempts)
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	broken := &fakeProbe{name: "broken", script: []func(context.Context) (Finding, error){
		execErr(errors.New("boom")),
	}}
	e := newTestExecutor(t, broken)

	r := e.Execute(context.Background(), target, store.TestConfig{ProbeName: "broken", RetryCount: 2})
	assert.Equal(t, store.ProbeError, r.Status)
	assert.Equal(t, "boom", r.Message)
	assert.Equal(t, 3, broken.attempts, "RetryCount 2 means three attempts")
}

func TestExecuteTimeout(t *testing.T) {
	slow := &fakeProbe{name: "slow", script: []func(context.Context) (Finding, error){
		func(ctx context.Context) (Finding, error) {
			<-ctx.Done()
			return Finding{}, ctx.Err()
		},
	}}
	e := newTestExecutor(t, slow)

	r := e.Execute(context.Background(), target, store.TestConfig{
		ProbeName: "slow",
		Timeout:   10 * time.Millisecond,
	})
	assert.Equal(t, store.ProbeTimeout, r.Status)
}

func TestExecutePanicContained(t *testing.T) {
	panicky := &fakeProbe{name: "panicky", script: []func(context.Context) (Finding, error){
		func(context.Context) (Finding, error) { panic("nil map write") },
	}}
	e := newTestExecutor(t, panicky)

	r := e.Execute(context.Background(), target, store.TestConfig{ProbeName: "panicky"})
	assert.Equal(t, store.ProbeError, r.Status)
	assert.Contains(t, r.Message, "panicked")
}

func TestExecuteFindingSeverityOverridesConfig(t *testing.T) {
	p := &fakeProbe{name: "cert", script: []func(context.Context) (Finding, error){
		func(context.Context) (Finding, error) {
			return Finding{Passed: false, Message: "expired", Severity: store.SeverityCritical}, nil
		},
	}}
	e := newTestExecutor(t, p)

	r := e.Execute(context.Background(), target, store.TestConfig{
		ProbeName: "cert", Severity: store.SeverityMedium,
	})
	assert.Equal(t, store.SeverityCritical, r.Severity)
}

func TestExecuteAllPreservesOrder(t *testing.T) {
	e := newTestExecutor(t,
		&fakeProbe{name: "a", script: []func(context.Context) (Finding, error){pass("a ok")}},
		&fakeProbe{name: "b", script: []func(context.Context) (Finding, error){fail("b bad")}},
		&fakeProbe{name: "c", script: []func(context.Context) (Finding, error){pass("c ok")}},
	)

	results := e.ExecuteAll(context.Background(), target, []store.TestConfig{
		{ProbeName: "c"},
		{ProbeName: "a"},
		{ProbeName: "b"},
	})
	require.Len(t, results, 3)
	assert.Equal(t, "c", results[0].ProbeName)
	assert.Equal(t, "a", results[1].ProbeName)
	assert.Equal(t, "b", results[2].ProbeName)
	assert.Equal(t, store.ProbeFailed, results[2].Status)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	e := NewExecutor(NewRegistry(), config.ProbeSettings{MaxBackoff: 3 * time.Second})
	assert.Equal(t, time.Second, e.backoff(2))
	assert.Equal(t, 2*time.Second, e.backoff(3))
	assert.Equal(t, 3*time.Second, e.backoff(4), "capped by max_backoff")
}
