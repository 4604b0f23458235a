// Reforge CLI - a self-contained demonstration harness for the code
// versioning core. It fabricates a module of methods backed by an in-process
// code region, drives them through tiered promotion and a rejit
// request/revert cycle, and can dump the resulting version tables as a
// snapshot.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/reforgevm/reforge/codever"
	"github.com/reforgevm/reforge/manifest"
	"github.com/reforgevm/reforge/patch"
	"github.com/reforgevm/reforge/rejit"
	"github.com/reforgevm/reforge/tiering"
)

var log = commonlog.GetLogger("reforge")

func main() {
	methodCount := pflag.Int("methods", 4, "Number of simulated methods")
	calls := pflag.Int("calls", 100, "Calls to drive through each method")
	snapshotPath := pflag.String("snapshot", "", "Write a version-table snapshot to this file")
	configDir := pflag.String("config", ".", "Directory to search for reforge.toml")
	verbosity := pflag.IntP("verbose", "v", 0, "Log verbosity (0-2)")
	pflag.Parse()

	commonlog.Configure(*verbosity, nil)

	mf, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(mf, *methodCount, *calls, *snapshotPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(mf *manifest.Manifest, methodCount, calls int, snapshotPath string) error {
	region := patch.NewRegion(64 * 1024)
	patcher := &patch.Patcher{Table: patch.NewShadowTable()}
	redirector := region.Alloc(16, 8)

	mgr := codever.NewCodeVersionManager(patcher, redirector)

	mod := &codever.Module{Name: "demo.app"}
	world := newWorld()
	comp := &regionCompiler{region: region}

	rejitCoord := rejit.New(rejit.Options{
		Manager:           mgr,
		Compiler:          comp,
		Suspender:         world,
		Instantiations:    world,
		Provider:          world,
		Reporter:          world,
		EntryWaitInterval: mf.EntryWait(),
	})

	var store *tiering.ProfileStore
	if path := mf.ProfilePath(); path != "" {
		var err error
		store, err = tiering.OpenProfileStore(path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	tierCoord := tiering.New(tiering.Options{
		Manager:            mgr,
		Compiler:           comp,
		Suspender:          world,
		CallCountThreshold: mf.Tiering.CallCountThreshold,
		WorkQuantum:        mf.WorkQuantum(),
		Profile:            store,
	})
	defer tierCoord.Shutdown()

	// Fabricate the module's methods and run their first compilations
	// through the post-compile hook, the way a dispatch path would.
	var methods []*codever.MethodInstance
	for i := 0; i < methodCount; i++ {
		mi := &codever.MethodInstance{
			Module: mod,
			Token:  codever.MethodToken(0x06000001 + i),
			Name:   fmt.Sprintf("Demo.Method%d", i),
		}
		world.add(mi)
		entry, err := comp.Compile(mi, nil, codever.CodegenDefault)
		if err != nil {
			return err
		}
		if err := rejitCoord.OnMethodCompiled(mi, entry); err != nil {
			return err
		}
		methods = append(methods, mi)
	}

	// Phase 1: tiered promotion. Hammer the methods until they cross the
	// hotness threshold, then give the background worker a moment.
	for i := 0; i < calls; i++ {
		for _, mi := range methods {
			tierCoord.OnMethodCalled(mi)
		}
	}
	time.Sleep(5 * mf.WorkQuantum())
	for _, mi := range methods {
		log.Infof("%s: %d calls counted", mi.Name, tierCoord.CallCount(mi))
	}

	// Phase 2: rejit half the methods, simulate the first post-stamp call
	// into each, then revert them.
	var keys []codever.MethodKey
	for _, mi := range methods[:len(methods)/2] {
		keys = append(keys, mi.Key())
	}
	for _, be := range rejitCoord.RequestReJIT(keys) {
		log.Errorf("rejit: %s", be.Error())
	}
	for _, mi := range methods[:len(methods)/2] {
		entry, err := rejitCoord.ResolveRedirect(mi)
		if err != nil {
			return err
		}
		log.Infof("%s: versioned body at %#x (version %d)",
			mi.Name, entry, rejitCoord.ActiveVersionID(mi.Key()))
	}
	for i, err := range rejitCoord.RequestRevert(keys) {
		if err != nil {
			log.Errorf("revert %s: %s", methods[i].Name, err.Error())
		}
	}

	for _, mi := range methods {
		fmt.Printf("%-16s versions=%v active=%d\n",
			mi.Name, rejitCoord.VersionIDs(mi.Key()), rejitCoord.ActiveVersionID(mi.Key()))
	}

	if snapshotPath != "" {
		g := mgr.Lock()
		snap := mgr.TakeSnapshot(g)
		g.Release()
		data, err := codever.MarshalSnapshot(snap)
		if err != nil {
			return err
		}
		if err := os.WriteFile(snapshotPath, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("snapshot: %d bytes -> %s\n", len(data), snapshotPath)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-process world: suspension, instantiation lookup, parameter provider
// ---------------------------------------------------------------------------

// world stands in for the runtime around the versioning core. Suspension is
// a no-op because the demo has no mutator threads to stop.
type world struct {
	methods map[codever.MethodKey][]*codever.MethodInstance
}

func newWorld() *world {
	return &world{methods: make(map[codever.MethodKey][]*codever.MethodInstance)}
}

func (w *world) add(mi *codever.MethodInstance) {
	w.methods[mi.Key()] = append(w.methods[mi.Key()], mi)
}

func (w *world) Suspend(reason string) {
	log.Debugf("suspend: %s", reason)
}

func (w *world) Resume() {
	log.Debug("resume")
}

func (w *world) EnumerateInstantiations(key codever.MethodKey, yield func(*codever.MethodInstance) bool) {
	for _, mi := range w.methods[key] {
		if !yield(mi) {
			return
		}
	}
}

func (w *world) GetReplacementParameters(module *codever.Module, token codever.MethodToken, control *rejit.FunctionControl) error {
	// Instrumented stand-in body: the bytes only need to be distinct from
	// the original.
	control.SetILFunctionBody([]byte{0x2a, byte(token)})
	control.SetCodegenFlags(codever.CodegenDisableInlining)
	return nil
}

func (w *world) ReportError(module *codever.Module, token codever.MethodToken, mi *codever.MethodInstance, err error) {
	log.Errorf("report for %s:0x%08x: %s", module.Name, uint32(token), err.Error())
}

// ---------------------------------------------------------------------------
// Region-backed compiler stub
// ---------------------------------------------------------------------------

// regionCompiler hands out word-aligned stub bodies from the shared code
// region. Alignment keeps entry patches on the interlocked fast path.
type regionCompiler struct {
	region *patch.Region
}

func (c *regionCompiler) Compile(mi *codever.MethodInstance, il []byte, flags codever.CodegenFlags) (uintptr, error) {
	size := 16
	if len(il) > size {
		size = len(il)
	}
	addr := c.region.Alloc(size, 8)
	body := c.region.Bytes()[addr-c.region.Base():]
	for i := 0; i < size; i++ {
		body[i] = 0x90
	}
	copy(body, il)
	return addr, nil
}
