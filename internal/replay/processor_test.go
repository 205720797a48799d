package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relicapp/relicd/internal/connectivity"
	"github.com/relicapp/relicd/internal/storage"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []struct{ Typ, Payload string }
	fn    func(typ, payload string) ([]byte, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, typ, payloadJSON string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, struct{ Typ, Payload string }{typ, payloadJSON})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(typ, payloadJSON)
	}
	return []byte(`{"ok":true}`), nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu      sync.Mutex
	results map[string][]byte
}

func (f *fakeSink) StoreResult(_ context.Context, op storage.QueuedOperation, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string][]byte)
	}
	f.results[op.ID] = result
	return nil
}

type fakeOnline bool

func (f fakeOnline) ProbeNow(context.Context) bool { return bool(f) }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProcessor(store *storage.Store, invoker Invoker, sink ResultSink, online OnlineChecker) *Processor {
	return New(store, invoker, sink, online, 3, nil)
}

// TestDrain_SuccessInvokesOnceAndRemoves covers the replay-once guarantee:
// one queued operation yields exactly one remote invocation with its
// payload, and the entry leaves the queue.
func TestDrain_SuccessInvokesOnceAndRemoves(t *testing.T) {
	store := openTestStore(t)
	id, err := store.EnqueueOperation(storage.OpColorize, `{"image":"urn.jpg"}`)
	if err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	invoker := &fakeInvoker{}
	sink := &fakeSink{}
	p := newTestProcessor(store, invoker, sink, fakeOnline(true))

	report, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Processed != 1 || report.Succeeded != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if invoker.callCount() != 1 {
		t.Errorf("invocations = %d, want 1", invoker.callCount())
	}
	if got := invoker.calls[0]; got.Typ != storage.OpColorize || got.Payload != `{"image":"urn.jpg"}` {
		t.Errorf("invocation = %+v", got)
	}
	if _, ok := sink.results[id]; !ok {
		t.Error("result never reached the sink")
	}
	if n, _ := store.QueueLength(); n != 0 {
		t.Errorf("queue length = %d after success", n)
	}

	// A second drain finds nothing and must not re-invoke.
	if _, err := p.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if invoker.callCount() != 1 {
		t.Errorf("invocations = %d after second drain, want 1", invoker.callCount())
	}
}

// TestDrain_ExhaustsAfterExactlyThreeFailures drives a permanently failing
// operation through repeated drain passes: it must be dropped after its
// third recorded failure, never fewer, never more.
func TestDrain_ExhaustsAfterExactlyThreeFailures(t *testing.T) {
	store := openTestStore(t)
	id, err := store.EnqueueOperation(storage.OpReconstruct3D, `{}`)
	if err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	invoker := &fakeInvoker{fn: func(string, string) ([]byte, error) {
		return nil, errors.New("model service down")
	}}
	p := newTestProcessor(store, invoker, &fakeSink{}, fakeOnline(true))

	for pass := 1; pass <= 2; pass++ {
		report, err := p.Drain(context.Background())
		if err != nil {
			t.Fatalf("Drain pass %d: %v", pass, err)
		}
		if len(report.Exhausted) != 0 {
			t.Fatalf("pass %d: exhausted too early: %+v", pass, report.Exhausted)
		}
		ops, _ := store.ListOperations()
		if len(ops) != 1 || ops[0].RetryCount != pass {
			t.Fatalf("pass %d: ops = %+v, want retry_count=%d", pass, ops, pass)
		}
	}

	report, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain pass 3: %v", err)
	}
	if len(report.Exhausted) != 1 {
		t.Fatalf("exhausted = %+v, want exactly one entry", report.Exhausted)
	}
	ex := report.Exhausted[0]
	if ex.ID != id || ex.Retries != 3 {
		t.Errorf("exhausted = %+v, want id=%s retries=3", ex, id)
	}
	if n, _ := store.QueueLength(); n != 0 {
		t.Errorf("queue length = %d after exhaustion", n)
	}
	if invoker.callCount() != 3 {
		t.Errorf("invocations = %d, want 3", invoker.callCount())
	}

	// Further drains never see it again.
	if _, err := p.Drain(context.Background()); err != nil {
		t.Fatalf("post-exhaustion Drain: %v", err)
	}
	if invoker.callCount() != 3 {
		t.Errorf("invocations = %d after exhaustion, want 3", invoker.callCount())
	}
}

// TestDrain_FailingEntryDoesNotBlockOthers queues a failing operation ahead
// of a healthy one and verifies the pass continues.
func TestDrain_FailingEntryDoesNotBlockOthers(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.EnqueueOperation(storage.OpColorize, `{"fail":true}`); err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}
	okID, err := store.EnqueueOperation(storage.OpGenerateInfoCard, `{"fail":false}`)
	if err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	invoker := &fakeInvoker{fn: func(typ, _ string) ([]byte, error) {
		if typ == storage.OpColorize {
			return nil, errors.New("boom")
		}
		return []byte(`{}`), nil
	}}
	sink := &fakeSink{}
	p := newTestProcessor(store, invoker, sink, fakeOnline(true))

	report, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Processed != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := sink.results[okID]; !ok {
		t.Error("healthy operation behind a failing one was not processed")
	}

	ops, _ := store.ListOperations()
	if len(ops) != 1 || ops[0].Type != storage.OpColorize {
		t.Errorf("remaining ops = %+v, want only the failing colorize entry", ops)
	}
}

func TestDrain_NoOpWhenOfflineOrEmpty(t *testing.T) {
	store := openTestStore(t)
	invoker := &fakeInvoker{}
	p := newTestProcessor(store, invoker, &fakeSink{}, fakeOnline(false))

	// Empty queue: repeated drains are no-ops and never error.
	for i := 0; i < 3; i++ {
		report, err := p.Drain(context.Background())
		if err != nil {
			t.Fatalf("Drain on empty queue: %v", err)
		}
		if report.Processed != 0 {
			t.Errorf("report = %+v, want no work", report)
		}
	}

	// Offline with queued work: nothing is invoked, nothing is lost.
	if _, err := store.EnqueueOperation(storage.OpColorize, `{}`); err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}
	report, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain while offline: %v", err)
	}
	if !report.Skipped {
		t.Errorf("report = %+v, want skipped", report)
	}
	if invoker.callCount() != 0 {
		t.Errorf("invocations = %d while offline, want 0", invoker.callCount())
	}
	if n, _ := store.QueueLength(); n != 1 {
		t.Errorf("queue length = %d, offline drain must not drop work", n)
	}
}

// TestDrain_ReentrantCallIsNoOp starts a drain that blocks inside the
// invoker and verifies a concurrent drain returns immediately.
func TestDrain_ReentrantCallIsNoOp(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.EnqueueOperation(storage.OpColorize, `{}`); err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	invoker := &fakeInvoker{fn: func(string, string) ([]byte, error) {
		close(entered)
		<-release
		return []byte(`{}`), nil
	}}
	p := newTestProcessor(store, invoker, &fakeSink{}, fakeOnline(true))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Drain(context.Background())
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first drain never started")
	}
	if !p.Processing() {
		t.Error("Processing() = false during a drain pass")
	}

	report, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("re-entrant Drain: %v", err)
	}
	if !report.Skipped || report.Processed != 0 {
		t.Errorf("re-entrant report = %+v, want skipped no-op", report)
	}

	close(release)
	<-done
	if p.Processing() {
		t.Error("Processing() = true after drain finished")
	}
}

type switchProber struct{ online atomic.Bool }

func (p *switchProber) Probe(context.Context) bool { return p.online.Load() }

func waitForEmptyQueue(t *testing.T, store *storage.Store) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.QueueLength(); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

// TestOnConnectivityChange_DrainsOnReconnect wires the processor to a
// monitor the way the server does and verifies a reconnect transition
// starts a drain, while going offline starts nothing.
func TestOnConnectivityChange_DrainsOnReconnect(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.EnqueueOperation(storage.OpColorize, `{}`); err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	invoked := make(chan struct{}, 4)
	invoker := &fakeInvoker{fn: func(string, string) ([]byte, error) {
		invoked <- struct{}{}
		return []byte(`{}`), nil
	}}

	prober := &switchProber{}
	monitor := connectivity.New(prober, time.Hour, time.Second, nil)
	p := newTestProcessor(store, invoker, &fakeSink{}, monitor)
	monitor.Subscribe(p.OnConnectivityChange)

	// Probing while still offline is not a transition and must not drain.
	if monitor.ProbeNow(context.Background()) {
		t.Fatal("ProbeNow = true with an offline prober")
	}
	select {
	case <-invoked:
		t.Fatal("drain ran while offline")
	case <-time.After(100 * time.Millisecond):
	}

	// Reconnect: the offline→online transition starts exactly one drain.
	prober.online.Store(true)
	if !monitor.ProbeNow(context.Background()) {
		t.Fatal("ProbeNow = false with an online prober")
	}
	select {
	case <-invoked:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect transition never triggered a drain")
	}
	waitForEmptyQueue(t, store)

	// Losing connectivity is a transition too, but must not drain.
	if _, err := store.EnqueueOperation(storage.OpColorize, `{}`); err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}
	prober.online.Store(false)
	monitor.ProbeNow(context.Background())
	select {
	case <-invoked:
		t.Fatal("offline transition triggered a drain")
	case <-time.After(200 * time.Millisecond):
	}
	if invoker.callCount() != 1 {
		t.Errorf("invocations = %d, want 1", invoker.callCount())
	}
	if n, _ := store.QueueLength(); n != 1 {
		t.Errorf("queue length = %d, offline transition must not drop work", n)
	}
}

// TestDrain_DropsUnknownTypeImmediately inserts a row bypassing enqueue
// validation, the way a stale database from an older build could.
func TestDrain_DropsUnknownTypeImmediately(t *testing.T) {
	store := openTestStore(t)
	_, err := store.DB().Exec(
		`INSERT INTO operations (id, type, payload_json, retry_count, created_at) VALUES (?, ?, ?, 0, ?)`,
		"op-legacy", "transmogrify", "{}", time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		t.Fatalf("inserting legacy row: %v", err)
	}

	invoker := &fakeInvoker{fn: func(string, string) ([]byte, error) {
		return nil, errors.New("no endpoint")
	}}
	p := newTestProcessor(store, invoker, &fakeSink{}, fakeOnline(true))

	report, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(report.Exhausted) != 1 || report.Exhausted[0].ID != "op-legacy" {
		t.Errorf("report = %+v, want the unknown-type entry surfaced", report)
	}
	if n, _ := store.QueueLength(); n != 0 {
		t.Errorf("queue length = %d, unknown type must not be retried", n)
	}
}
