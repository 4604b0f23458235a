package rejit

import (
	"sync"
	"testing"
	"time"

	"github.com/reforgevm/reforge/codever"
)

func TestConcurrentResolveFetchesParametersOnce(t *testing.T) {
	r := newRig()
	mi := r.method(20, true)

	if errs := r.coord.RequestReJIT([]codever.MethodKey{mi.Key()}); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	// The first arrival parks inside the provider; the rest must wait on
	// the version's state, not start fetches of their own.
	release := make(chan struct{})
	r.world.mu.Lock()
	r.world.block = release
	r.world.mu.Unlock()

	const workers = 4
	entries := make([]uintptr, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = r.coord.ResolveRedirect(mi)
		}(i)
	}

	// Let the workers pile up behind the in-flight fetch, then release it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if entries[i] == 0 || entries[i] != entries[0] {
			t.Errorf("worker %d got entry %#x, want %#x", i, entries[i], entries[0])
		}
	}

	r.world.mu.Lock()
	fetches := r.world.fetches
	r.world.mu.Unlock()
	if fetches != 1 {
		t.Errorf("fetches=%d, want exactly 1", fetches)
	}
}

func TestConfigureDefaultVersionIsNoOp(t *testing.T) {
	r := newRig()
	mi := r.method(21, true)

	if err := r.coord.ConfigureILCodeVersion(codever.DefaultILVersion(mi.Key())); err != nil {
		t.Errorf("configuring the default version must be a no-op, got %v", err)
	}
	if r.world.fetches != 0 {
		t.Error("the default version has nothing to fetch")
	}
}

func TestFunctionControlCopiesInputs(t *testing.T) {
	fc := &FunctionControl{}
	il := []byte{1, 2, 3}
	fc.SetILFunctionBody(il)
	il[0] = 99
	if fc.il[0] != 1 {
		t.Error("SetILFunctionBody must copy the buffer")
	}

	entries := []codever.OffsetMapping{{OldOffset: 1, NewOffset: 2}}
	fc.SetILInstrumentedCodeMap(entries)
	entries[0].NewOffset = 99
	if fc.instrMap[0].NewOffset != 2 {
		t.Error("SetILInstrumentedCodeMap must copy the slice")
	}
}
