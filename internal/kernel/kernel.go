// Package kernel runs shardcast components and drivers with ordered startup and shutdown.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shardcast/pkg/shardcast"
)

// Kernel is the runtime core orchestrating components, drivers, and shared services.
type Kernel struct {
	cfg config

	services *ServiceRegistry

	mu             sync.RWMutex
	components     map[string]shardcast.Component
	componentOrder []string
	drivers        map[string]shardcast.Driver
	driverOrder    []string

	runMu   sync.Mutex
	running bool
}

// New creates a new kernel runtime.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:            cfg,
		services:       NewServiceRegistry(),
		components:     make(map[string]shardcast.Component),
		componentOrder: make([]string, 0),
		drivers:        make(map[string]shardcast.Driver),
		driverOrder:    make([]string, 0),
	}
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() shardcast.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
//
// Services must be registered before Run; later registrations fail with ErrServicesSealed.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterComponent registers a lifecycle-aware component.
//
// Components start in registration order before any driver and stop in reverse order
// after every driver has stopped.
func (k *Kernel) RegisterComponent(component shardcast.Component) error {
	if component == nil {
		return fmt.Errorf("register component: nil component")
	}
	name := component.Name()
	if name == "" {
		return fmt.Errorf("register component: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.components[name]; exists {
		return fmt.Errorf("register component %s: %w", name, shardcast.ErrComponentAlreadyRegistered)
	}
	k.components[name] = component
	k.componentOrder = append(k.componentOrder, name)

	return nil
}

// RegisterDriver registers a connection driver.
func (k *Kernel) RegisterDriver(driver shardcast.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.drivers[name]; exists {
		return fmt.Errorf("register driver %s: %w", name, shardcast.ErrComponentAlreadyRegistered)
	}
	k.drivers[name] = driver
	k.driverOrder = append(k.driverOrder, name)

	return nil
}

// Run starts components, runs drivers against sink, and blocks until cancellation or
// the first driver failure.
func (k *Kernel) Run(ctx context.Context, sink shardcast.EventSink) error {
	if sink == nil {
		return fmt.Errorf("kernel run: nil sink")
	}
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	if k.services.seal() {
		k.cfg.logger.DebugContext(ctx, "service registry sealed", "services", k.services.Names())
	}

	started, err := k.startComponents(ctx)
	if err != nil {
		shutdownErr := k.shutdownComponents(ctx, started)
		return errors.Join(err, shutdownErr)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	driverErr, waitDrivers := k.startDrivers(runCtx, newDriverSink(sink, k.cfg))

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-driverErr:
		runErr = err
	}

	runCancel()
	waitDrivers()

	shutdownErr := k.shutdownAll(ctx, started)

	if isContextCancellation(runErr) {
		runErr = nil
	}
	if runErr != nil && shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil {
		return runErr
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	return nil
}

// startRun serializes Run invocations and rejects concurrent starts.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

// finishRun releases the single-run guard set by startRun.
func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

func (k *Kernel) orderedComponents() []shardcast.Component {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ordered := make([]shardcast.Component, 0, len(k.componentOrder))
	for _, name := range k.componentOrder {
		ordered = append(ordered, k.components[name])
	}

	return ordered
}

func (k *Kernel) orderedDrivers() []shardcast.Driver {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ordered := make([]shardcast.Driver, 0, len(k.driverOrder))
	for _, name := range k.driverOrder {
		ordered = append(ordered, k.drivers[name])
	}

	return ordered
}

// startComponents invokes OnStart in registration order with per-component timeouts.
// It returns the components that started so a failed startup can unwind them.
func (k *Kernel) startComponents(ctx context.Context) ([]shardcast.Component, error) {
	components := k.orderedComponents()
	started := make([]shardcast.Component, 0, len(components))

	for _, component := range components {
		name := component.Name()
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.hookTimeout)
		err := runSafely("component "+name+" OnStart", func() error {
			return component.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return started, fmt.Errorf("start component %s: %w", name, err)
		}
		started = append(started, component)
		k.cfg.logger.DebugContext(ctx, "component started", "component", name)
	}

	return started, nil
}

// startDrivers runs all registered drivers concurrently and returns:
// - an error channel delivering the first driver error, and
// - a wait function that blocks for driver completion up to shutdown timeout.
func (k *Kernel) startDrivers(ctx context.Context, sink shardcast.EventSink) (<-chan error, func()) {
	errChannel := make(chan error, 1)
	done := make(chan struct{})
	workerWG := &sync.WaitGroup{}

	for _, driver := range k.orderedDrivers() {
		workerWG.Add(1)
		go func(adapter shardcast.Driver) {
			defer workerWG.Done()
			driverName := adapter.Name()
			err := runSafely("driver "+driverName+" Start", func() error {
				return adapter.Start(ctx, sink)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errChannel <- fmt.Errorf("run driver %s: %w", driverName, err):
			default:
			}
		}(driver)
	}

	go func() {
		workerWG.Wait()
		close(done)
	}()

	wait := func() {
		select {
		case <-done:
		case <-time.After(k.cfg.shutdownTimeout):
			k.cfg.logger.Warn("drivers did not stop before shutdown timeout", "timeout", k.cfg.shutdownTimeout)
		}
	}

	return errChannel, wait
}

// shutdownAll tears down drivers and started components in a bounded timeout window.
// It uses WithoutCancel to ensure cleanup still runs after parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context, started []shardcast.Component) error {
	var shutdownErr error
	if err := k.shutdownDrivers(ctx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := k.shutdownComponents(ctx, started); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownDrivers executes driver Shutdown in reverse registration order.
func (k *Kernel) shutdownDrivers(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	drivers := k.orderedDrivers()
	var shutdownErr error
	for idx := len(drivers) - 1; idx >= 0; idx-- {
		driver := drivers[idx]
		name := driver.Name()
		err := runSafely("driver "+name+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", name, err))
		}
	}

	return shutdownErr
}

// shutdownComponents invokes OnShutdown on started components in reverse order.
func (k *Kernel) shutdownComponents(ctx context.Context, started []shardcast.Component) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for idx := len(started) - 1; idx >= 0; idx-- {
		component := started[idx]
		name := component.Name()
		hookCtx, hookCancel := context.WithTimeout(shutdownCtx, k.cfg.hookTimeout)
		err := runSafely("component "+name+" OnShutdown", func() error {
			return component.OnShutdown(hookCtx)
		})
		hookCancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown component %s: %w", name, err))
		}
	}

	return shutdownErr
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
