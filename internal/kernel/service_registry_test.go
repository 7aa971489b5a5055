package kernel

import (
	"errors"
	"slices"
	"testing"

	"shardcast/pkg/shardcast"
)

type stubDirectory struct{}

func (stubDirectory) ShardForGuild(shardcast.EntityID) int { return 0 }
func (stubDirectory) Sessions() []shardcast.ShardSession  { return nil }

// TestServiceRegistryRegisterAndResolve verifies registration, duplicate rejection, and lookup.
func TestServiceRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		service   string
		value     any
		duplicate bool
	}{
		{name: "value service", service: shardcast.ServiceShardDirectory, value: stubDirectory{}},
		{name: "pointer service", service: shardcast.ServiceEntityCache, value: &struct{ entries int }{entries: 3}},
		{name: "duplicate registration fails", service: shardcast.ServiceStore, value: stubDirectory{}, duplicate: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := NewServiceRegistry()
			if err := registry.Register(testCase.service, testCase.value); err != nil {
				t.Fatalf("first register failed: %v", err)
			}
			if testCase.duplicate {
				err := registry.Register(testCase.service, testCase.value)
				if !errors.Is(err, shardcast.ErrServiceAlreadyRegistered) {
					t.Fatalf("duplicate register error = %v, want %v", err, shardcast.ErrServiceAlreadyRegistered)
				}
			}

			resolved, err := registry.Resolve(testCase.service)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if resolved != testCase.value {
				t.Fatalf("resolve value = %v, want %v", resolved, testCase.value)
			}
		})
	}
}

// TestServiceRegistryRejectsNil verifies nil interfaces and typed nils never enter the registry.
func TestServiceRegistryRejectsNil(t *testing.T) {
	t.Parallel()

	var (
		nilPointer   *stubDirectory
		nilMap       map[string]int
		nilFunc      func()
		nilInterface shardcast.ShardDirectory
	)
	tests := []struct {
		name  string
		value any
	}{
		{name: "untyped nil", value: nil},
		{name: "nil pointer", value: nilPointer},
		{name: "nil map", value: nilMap},
		{name: "nil func", value: nilFunc},
		{name: "nil interface", value: nilInterface},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if err := NewServiceRegistry().Register("svc", testCase.value); err == nil {
				t.Fatal("expected nil service register error")
			}
		})
	}
}

// TestServiceRegistryErrors verifies validation and not-found failure semantics.
func TestServiceRegistryErrors(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	if err := registry.Register("", "value"); err == nil {
		t.Fatal("expected empty name register error")
	}
	if _, err := registry.Resolve(""); err == nil {
		t.Fatal("expected empty name resolve error")
	}
	if _, err := registry.Resolve(shardcast.ServiceDispatcher); !errors.Is(err, shardcast.ErrServiceNotFound) {
		t.Fatalf("resolve missing error = %v, want %v", err, shardcast.ErrServiceNotFound)
	}
}

// TestResolveAs verifies typed resolution through the registry.
func TestResolveAs(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	if err := registry.Register(shardcast.ServiceShardDirectory, stubDirectory{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	directory, err := shardcast.ResolveAs[shardcast.ShardDirectory](registry, shardcast.ServiceShardDirectory)
	if err != nil {
		t.Fatalf("ResolveAs failed: %v", err)
	}
	if got := directory.ShardForGuild(1); got != 0 {
		t.Fatalf("ShardForGuild = %d, want 0", got)
	}
	if _, err := shardcast.ResolveAs[string](registry, shardcast.ServiceShardDirectory); err == nil {
		t.Fatal("expected type assertion error")
	}
	if _, err := shardcast.ResolveAs[string](registry, shardcast.ServiceDispatcher); !errors.Is(err, shardcast.ErrServiceNotFound) {
		t.Fatalf("ResolveAs missing error = %v, want %v", err, shardcast.ErrServiceNotFound)
	}
}

// TestServiceRegistryNamesAndSeal verifies sorted listing and that sealing closes registration.
func TestServiceRegistryNamesAndSeal(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	for _, name := range []string{shardcast.ServiceStore, shardcast.ServiceDispatcher, shardcast.ServiceEntityCache} {
		if err := registry.Register(name, stubDirectory{}); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}

	names := registry.Names()
	if !slices.IsSorted(names) || len(names) != 3 {
		t.Fatalf("Names = %v, want 3 sorted names", names)
	}

	if !registry.seal() {
		t.Fatal("first seal reported already sealed")
	}
	if registry.seal() {
		t.Fatal("second seal reported sealing again")
	}
	err := registry.Register(shardcast.ServiceShardDirectory, stubDirectory{})
	if !errors.Is(err, shardcast.ErrServicesSealed) {
		t.Fatalf("register after seal error = %v, want %v", err, shardcast.ErrServicesSealed)
	}
	if _, err := registry.Resolve(shardcast.ServiceStore); err != nil {
		t.Fatalf("resolve after seal failed: %v", err)
	}
}
