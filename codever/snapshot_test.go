package codever

import (
	"bytes"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	r := newTestRig()
	mi := r.compiledMethod(200)
	key := mi.Key()

	g := r.mgr.Lock()
	il, err := r.mgr.AddILCodeVersion(g, key, 5)
	if err != nil {
		t.Fatal(err)
	}
	il.SetRejitState(RejitActive)
	r.mgr.SetActiveILCodeVersion(g, il)
	if _, err := r.mgr.AddNativeCodeVersion(g, il, mi, Tier0); err != nil {
		t.Fatal(err)
	}

	snap := r.mgr.TakeSnapshot(g)
	g.Release()

	if len(snap.Methods) != 1 {
		t.Fatalf("%d methods in snapshot, want 1", len(snap.Methods))
	}
	ms := snap.Methods[0]
	if ms.Module != "test.module" || ms.Token != 200 {
		t.Errorf("method identity %s:%d", ms.Module, ms.Token)
	}
	if len(ms.ILVersions) != 1 || ms.ILVersions[0].ID != 5 || !ms.ILVersions[0].Active {
		t.Errorf("il versions %+v", ms.ILVersions)
	}
	if len(ms.Instances) != 1 || len(ms.Instances[0].NativeVersions) != 1 {
		t.Fatalf("instances %+v", ms.Instances)
	}
	nv := ms.Instances[0].NativeVersions[0]
	if nv.ILVersionID != 5 || nv.Tier != "tier0" || !nv.ActiveChild {
		t.Errorf("native version %+v", nv)
	}

	data, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Methods) != 1 || back.Methods[0].Token != 200 {
		t.Error("decoded snapshot does not match")
	}
}

func TestSnapshotIsCanonical(t *testing.T) {
	r := newTestRig()
	key1 := MethodKey{Module: r.mod, Token: 201}
	key2 := MethodKey{Module: r.mod, Token: 202}

	g := r.mgr.Lock()
	for _, key := range []MethodKey{key2, key1} {
		if _, err := r.mgr.AddILCodeVersion(g, key, 1); err != nil {
			t.Fatal(err)
		}
	}
	snap := r.mgr.TakeSnapshot(g)
	g.Release()

	// Methods come out ordered regardless of map iteration.
	if snap.Methods[0].Token != 201 || snap.Methods[1].Token != 202 {
		t.Errorf("snapshot not sorted: %d, %d", snap.Methods[0].Token, snap.Methods[1].Token)
	}

	a, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same snapshot must be identical")
	}
}
