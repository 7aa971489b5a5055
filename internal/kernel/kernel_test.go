package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"shardcast/pkg/shardcast"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lifecycleLog records hook invocations across components and drivers in call order.
type lifecycleLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *lifecycleLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
}

func (l *lifecycleLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.entries...)
}

type stubComponent struct {
	name       string
	log        *lifecycleLog
	startErr   error
	startPanic bool
	started    atomic.Int32
	stopped    atomic.Int32
}

func (c *stubComponent) Name() string {
	return c.name
}

func (c *stubComponent) OnStart(context.Context) error {
	if c.startPanic {
		panic("boom")
	}
	if c.startErr != nil {
		return c.startErr
	}
	c.started.Add(1)
	if c.log != nil {
		c.log.add("start " + c.name)
	}

	return nil
}

func (c *stubComponent) OnShutdown(context.Context) error {
	c.stopped.Add(1)
	if c.log != nil {
		c.log.add("stop " + c.name)
	}

	return nil
}

type stubDriver struct {
	name    string
	log     *lifecycleLog
	events  []shardcast.RawEvent
	runErr  error
	started atomic.Int32
	stopped atomic.Int32
	sinkErr chan error
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Start(ctx context.Context, sink shardcast.EventSink) error {
	d.started.Add(1)
	if d.log != nil {
		d.log.add("run " + d.name)
	}
	for _, event := range d.events {
		err := sink.Ingest(ctx, event)
		if d.sinkErr != nil {
			d.sinkErr <- err
		}
	}
	if d.runErr != nil {
		return d.runErr
	}
	<-ctx.Done()

	return ctx.Err()
}

func (d *stubDriver) Shutdown(context.Context) error {
	d.stopped.Add(1)
	if d.log != nil {
		d.log.add("shutdown " + d.name)
	}

	return nil
}

type sinkFunc func(ctx context.Context, raw shardcast.RawEvent) error

func (f sinkFunc) Ingest(ctx context.Context, raw shardcast.RawEvent) error {
	return f(ctx, raw)
}

func discardSink() shardcast.EventSink {
	return sinkFunc(func(context.Context, shardcast.RawEvent) error { return nil })
}

func runUntilCancelled(t *testing.T, kernelRuntime *Kernel, sink shardcast.EventSink, wait time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- kernelRuntime.Run(ctx, sink)
	}()

	time.Sleep(wait)
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}

	return nil
}

// TestKernelRunLifecycleOrder verifies components start before drivers and stop after them
// in reverse registration order.
func TestKernelRunLifecycleOrder(t *testing.T) {
	t.Parallel()

	log := &lifecycleLog{}
	kernelRuntime := New()
	for _, name := range []string{"store", "cache"} {
		if err := kernelRuntime.RegisterComponent(&stubComponent{name: name, log: log}); err != nil {
			t.Fatalf("register component %s failed: %v", name, err)
		}
	}
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "gateway", log: log}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	if err := runUntilCancelled(t, kernelRuntime, discardSink(), 50*time.Millisecond); err != nil {
		t.Fatalf("kernel run failed: %v", err)
	}

	want := []string{"start store", "start cache", "run gateway", "shutdown gateway", "stop cache", "stop store"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("lifecycle = %v, want %v", got, want)
	}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Fatalf("lifecycle = %v, want %v", got, want)
		}
	}
}

// TestKernelRunStartFailureRollsBack verifies a failed OnStart shuts down only the
// components that already started and never runs drivers.
func TestKernelRunStartFailureRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		broken *stubComponent
	}{
		{name: "returned error", broken: &stubComponent{name: "broken", startErr: errors.New("no database")}},
		{name: "panic", broken: &stubComponent{name: "broken", startPanic: true}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			first := &stubComponent{name: "first"}
			last := &stubComponent{name: "last"}
			driver := &stubDriver{name: "gateway"}

			kernelRuntime := New()
			for _, component := range []*stubComponent{first, testCase.broken, last} {
				if err := kernelRuntime.RegisterComponent(component); err != nil {
					t.Fatalf("register component failed: %v", err)
				}
			}
			if err := kernelRuntime.RegisterDriver(driver); err != nil {
				t.Fatalf("register driver failed: %v", err)
			}

			err := kernelRuntime.Run(context.Background(), discardSink())
			if err == nil {
				t.Fatal("expected start failure")
			}
			if first.stopped.Load() != 1 {
				t.Fatalf("first component stopped %d times, want 1", first.stopped.Load())
			}
			if last.started.Load() != 0 || last.stopped.Load() != 0 {
				t.Fatal("component after the failure was touched")
			}
			if driver.started.Load() != 0 {
				t.Fatal("driver ran after a failed startup")
			}
		})
	}
}

// TestKernelRunReturnsDriverError verifies the first driver failure ends Run and still
// shuts down every driver.
func TestKernelRunReturnsDriverError(t *testing.T) {
	t.Parallel()

	driverErr := errors.New("all shards stopped")
	failing := &stubDriver{name: "gateway", runErr: driverErr}
	healthy := &stubDriver{name: "live-feed"}
	component := &stubComponent{name: "store"}

	kernelRuntime := New()
	if err := kernelRuntime.RegisterComponent(component); err != nil {
		t.Fatalf("register component failed: %v", err)
	}
	for _, driver := range []*stubDriver{failing, healthy} {
		if err := kernelRuntime.RegisterDriver(driver); err != nil {
			t.Fatalf("register driver failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- kernelRuntime.Run(context.Background(), discardSink())
	}()

	select {
	case err := <-done:
		if !errors.Is(err, driverErr) {
			t.Fatalf("run error = %v, want %v", err, driverErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit after driver failure")
	}

	if healthy.stopped.Load() != 1 || failing.stopped.Load() != 1 {
		t.Fatal("drivers were not shut down")
	}
	if component.stopped.Load() != 1 {
		t.Fatal("component was not shut down")
	}
}

// TestKernelRunRejectsConcurrentRun verifies a second Run fails while the first is active.
func TestKernelRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{name: "gateway"}
	kernelRuntime := New()
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- kernelRuntime.Run(ctx, discardSink())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for driver.started.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := kernelRuntime.Run(context.Background(), discardSink()); err == nil {
		t.Fatal("expected concurrent run error")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("kernel run failed: %v", err)
	}
}

// TestKernelSinkIsolatesEventFailures verifies sink errors and panics are reported to the
// async handler without ending the driver.
func TestKernelSinkIsolatesEventFailures(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	kernelRuntime := New(WithAsyncErrorHandler(func(context.Context, string, error) {
		reported.Add(1)
	}))

	driver := &stubDriver{
		name: "live-feed",
		events: []shardcast.RawEvent{
			{Origin: shardcast.OriginFeed, Name: shardcast.EventScoreSet, Sequence: 1},
			{Origin: shardcast.OriginFeed, Name: shardcast.EventScoreSet, Sequence: 2},
			{Origin: shardcast.OriginFeed, Name: shardcast.EventScoreSet, Sequence: 3},
		},
		sinkErr: make(chan error, 3),
	}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	sink := sinkFunc(func(_ context.Context, raw shardcast.RawEvent) error {
		switch raw.Sequence {
		case 1:
			return errors.New("decode failed")
		case 2:
			panic("handler bug")
		default:
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- kernelRuntime.Run(ctx, sink)
	}()

	for idx := 0; idx < 3; idx++ {
		select {
		case err := <-driver.sinkErr:
			if err != nil {
				t.Fatalf("sink error %d = %v, want nil", idx, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("driver did not ingest all events")
		}
	}
	if reported.Load() != 2 {
		t.Fatalf("reported async errors = %d, want 2", reported.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("kernel run failed: %v", err)
	}
}

// TestKernelSinkTimeout verifies a slow sink is bounded by the ingest timeout.
func TestKernelSinkTimeout(t *testing.T) {
	t.Parallel()

	reported := make(chan error, 1)
	kernelRuntime := New(
		WithIngestTimeout(10*time.Millisecond),
		WithAsyncErrorHandler(func(_ context.Context, _ string, err error) {
			reported <- err
		}),
	)
	driver := &stubDriver{
		name:   "gateway",
		events: []shardcast.RawEvent{{Origin: shardcast.OriginGateway, Name: shardcast.EventGuildCreate, Sequence: 1}},
	}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	sink := sinkFunc(func(ctx context.Context, _ shardcast.RawEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- kernelRuntime.Run(ctx, sink)
	}()

	select {
	case err := <-reported:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("reported error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow sink was not reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("kernel run failed: %v", err)
	}
}

// TestKernelRegistrationValidation verifies duplicate and invalid registrations are rejected.
func TestKernelRegistrationValidation(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	if err := kernelRuntime.RegisterComponent(&stubComponent{name: "cache"}); err != nil {
		t.Fatalf("register component failed: %v", err)
	}
	if err := kernelRuntime.RegisterComponent(&stubComponent{name: "cache"}); !errors.Is(err, shardcast.ErrComponentAlreadyRegistered) {
		t.Fatalf("duplicate component error = %v, want %v", err, shardcast.ErrComponentAlreadyRegistered)
	}
	if err := kernelRuntime.RegisterComponent(&stubComponent{}); err == nil {
		t.Fatal("expected empty component name error")
	}
	if err := kernelRuntime.RegisterComponent(nil); err == nil {
		t.Fatal("expected nil component error")
	}
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "gateway"}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "gateway"}); !errors.Is(err, shardcast.ErrComponentAlreadyRegistered) {
		t.Fatalf("duplicate driver error = %v, want %v", err, shardcast.ErrComponentAlreadyRegistered)
	}
	if err := kernelRuntime.RegisterService(shardcast.ServiceStore, struct{}{}); err != nil {
		t.Fatalf("register service failed: %v", err)
	}
	if err := kernelRuntime.RegisterService(shardcast.ServiceStore, struct{}{}); !errors.Is(err, shardcast.ErrServiceAlreadyRegistered) {
		t.Fatalf("duplicate service error = %v, want %v", err, shardcast.ErrServiceAlreadyRegistered)
	}
	if _, err := kernelRuntime.Services().Resolve(shardcast.ServiceStore); err != nil {
		t.Fatalf("resolve service failed: %v", err)
	}
	if err := kernelRuntime.Run(context.Background(), nil); err == nil {
		t.Fatal("expected nil sink error")
	}
}

// TestKernelRunSealsServices verifies services registered before Run stay resolvable and later
// registrations are rejected.
func TestKernelRunSealsServices(t *testing.T) {
	t.Parallel()

	kernelRuntime := New(WithShutdownTimeout(time.Second))
	if err := kernelRuntime.RegisterService(shardcast.ServiceStore, struct{}{}); err != nil {
		t.Fatalf("register service failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := kernelRuntime.Run(ctx, discardSink()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	err := kernelRuntime.RegisterService(shardcast.ServiceDispatcher, struct{}{})
	if !errors.Is(err, shardcast.ErrServicesSealed) {
		t.Fatalf("late register error = %v, want %v", err, shardcast.ErrServicesSealed)
	}
	if _, err := kernelRuntime.Services().Resolve(shardcast.ServiceStore); err != nil {
		t.Fatalf("resolve after run failed: %v", err)
	}
}
