package rejit

import (
	"github.com/reforgevm/reforge/codever"
)

// ---------------------------------------------------------------------------
// Deferred-parameter protocol
// ---------------------------------------------------------------------------
// The replacement IL and codegen flags are not known at request time; they
// are fetched lazily, the first time a call is about to run past the
// method's redirector stamp. The fetch calls out to the requester with no
// lock held, and the result is committed only after re-validating the
// version's state under the lock.

// FunctionControl is the capture object handed to the parameter provider.
// The provider fills in whichever pieces it wants to override; anything
// left unset falls back to the original.
type FunctionControl struct {
	flags    codever.CodegenFlags
	il       []byte
	instrMap []codever.OffsetMapping
}

// SetCodegenFlags requests code-generation behavior for the new body.
func (fc *FunctionControl) SetCodegenFlags(flags codever.CodegenFlags) {
	fc.flags = flags
}

// SetILFunctionBody supplies the replacement IL. The control takes its own
// copy; the provider may reuse its buffer.
func (fc *FunctionControl) SetILFunctionBody(il []byte) {
	fc.il = append([]byte(nil), il...)
}

// SetILInstrumentedCodeMap attaches the instrumented offset map. Passed
// through to the debugger unmodified.
func (fc *FunctionControl) SetILInstrumentedCodeMap(entries []codever.OffsetMapping) {
	fc.instrMap = append([]codever.OffsetMapping(nil), entries...)
}

// ConfigureILCodeVersion drives ver from Requested to Active, fetching the
// replacement parameters from the requester if this thread gets there
// first. Concurrent arrivals park on a condition variable and re-check the
// state after every wake. A provider failure is recovered by activating the
// version with the original IL and reporting the error once; the method
// never hangs or retries forever.
func (c *Coordinator) ConfigureILCodeVersion(ver codever.ILCodeVersion) error {
	if ver.IsDefault() {
		return nil
	}
	key := ver.Key()

	for {
		g := c.mgr.Lock()
		switch ver.RejitState() {
		case codever.RejitActive, codever.RejitReverted:
			// Nothing to fetch. A reverted version means a newer request
			// superseded us; the caller re-resolves against the current
			// active version.
			g.Release()
			return nil

		case codever.RejitGettingParameters:
			g.Release()
			c.waitForFetch(ver)
			continue

		case codever.RejitRequested:
			ver.SetRejitState(codever.RejitGettingParameters)
			ver.MarkExposed()
			g.Release()
		}

		control := &FunctionControl{}
		fetchErr := c.provider.GetReplacementParameters(key.Module, key.Token, control)

		g = c.mgr.Lock()
		// Re-validate before committing: a concurrent revert or a newer
		// request may have moved the version on while we were out.
		if ver.RejitState() == codever.RejitGettingParameters {
			if fetchErr == nil {
				ver.SetParameters(control.il, control.flags, control.instrMap)
			} else {
				// Fall back to the original IL rather than retrying
				// forever; the version still becomes Active.
				ver.SetParameters(nil, codever.CodegenDefault, nil)
			}
			ver.SetRejitState(codever.RejitActive)
		}
		g.Release()

		c.fetchMu.Lock()
		c.fetchCond.Broadcast()
		c.fetchMu.Unlock()

		if fetchErr != nil {
			log.Errorf("fetching rejit parameters for %s:0x%08x: %s",
				key.Module.Name, uint32(key.Token), fetchErr.Error())
			c.reportOne(key.Module, key.Token, nil, fetchErr)
		}
		return nil
	}
}

// waitForFetch parks until some fetch completes, then returns so the caller
// re-checks the version's state. Spurious wakes are harmless: the caller's
// loop always re-reads the state under the lock.
func (c *Coordinator) waitForFetch(ver codever.ILCodeVersion) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if c.fetchDone(ver) {
		return
	}
	c.fetchCond.Wait()
}

func (c *Coordinator) fetchDone(ver codever.ILCodeVersion) bool {
	g := c.mgr.Lock()
	defer g.Release()
	s := ver.RejitState()
	return s != codever.RejitGettingParameters
}
