package puma

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	f := func(Environment, any) (Runnable, error) { return nil, nil }
	r.Register("alpha", f)

	if !r.Has("alpha") {
		t.Error("Has() = false after Register")
	}
	if _, ok := r.Get("alpha"); !ok {
		t.Error("Get() not found after Register")
	}
	if r.Has("beta") {
		t.Error("Has() = true for unregistered kind")
	}
}

func TestRegistry_KindsOrder(t *testing.T) {
	r := NewRegistry()
	f := func(Environment, any) (Runnable, error) { return nil, nil }

	r.Register("c", f)
	r.Register("a", f)
	r.Register("b", f)
	r.Register("a", f) // overwrite keeps position

	kinds := r.Kinds()
	want := []string{"c", "a", "b"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Kinds()[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestRegistry_BuildUnknown(t *testing.T) {
	r := NewRegistry()
	env := NewThreadEnvironment(WithRegistry(r))
	defer env.Close()

	_, err := r.Build(env, RunnableSpec{Kind: "ghost"})
	if !errors.Is(err, ErrUnknownRunnable) {
		t.Errorf("Build() error = %v, want %v", err, ErrUnknownRunnable)
	}
}

func TestRegistry_BuildNilRunnable(t *testing.T) {
	r := NewRegistry()
	env := NewThreadEnvironment(WithRegistry(r))
	defer env.Close()

	r.Register("nil-maker", func(Environment, any) (Runnable, error) { return nil, nil })

	if _, err := r.Build(env, RunnableSpec{Kind: "nil-maker"}); err == nil {
		t.Error("Build() with nil-returning factory error = nil, want error")
	}
}
