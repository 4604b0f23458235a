package codever

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Version-graph snapshots
// ---------------------------------------------------------------------------
// A snapshot is a diagnostic export of the whole version graph: every
// (module, methodDef) pair with explicit IL versions, and every method
// instance with versioning state. Snapshots are encoded as canonical CBOR
// so two dumps of the same graph compare byte-for-byte.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codever: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a point-in-time copy of the version graph.
type Snapshot struct {
	TakenAt time.Time        `cbor:"taken_at"`
	Methods []MethodSnapshot `cbor:"methods"`
}

// MethodSnapshot captures one method definition's versions plus the stamp
// state of each loaded instantiation.
type MethodSnapshot struct {
	Module     string              `cbor:"module"`
	Token      uint32              `cbor:"token"`
	ILVersions []ILVersionSnapshot `cbor:"il_versions"`
	Instances  []InstanceSnapshot  `cbor:"instances,omitempty"`
}

// ILVersionSnapshot is the serialized form of one IL version.
type ILVersionSnapshot struct {
	ID       uint64          `cbor:"id"`
	State    string          `cbor:"state"`
	Active   bool            `cbor:"active"`
	HasIL    bool            `cbor:"has_il"`
	Flags    uint32          `cbor:"flags"`
	InstrMap []OffsetMapping `cbor:"instr_map,omitempty"`
}

// InstanceSnapshot is the serialized form of one method instance's
// versioning state.
type InstanceSnapshot struct {
	Name           string                  `cbor:"name"`
	JumpStamp      string                  `cbor:"jump_stamp"`
	DefaultActive  bool                    `cbor:"default_active"`
	NativeVersions []NativeVersionSnapshot `cbor:"native_versions,omitempty"`
}

// NativeVersionSnapshot is the serialized form of one native body.
type NativeVersionSnapshot struct {
	ID          uint32 `cbor:"id"`
	ILVersionID uint64 `cbor:"il_version_id"`
	Tier        string `cbor:"tier"`
	Compiled    bool   `cbor:"compiled"`
	ActiveChild bool   `cbor:"active_child"`
}

// TakeSnapshot copies the version graph under the table lock.
func (m *CodeVersionManager) TakeSnapshot(g *TableGuard) *Snapshot {
	g.mustHold(&m.lock)

	byKey := make(map[MethodKey]*MethodSnapshot)
	get := func(key MethodKey) *MethodSnapshot {
		if ms, ok := byKey[key]; ok {
			return ms
		}
		ms := &MethodSnapshot{Module: key.Module.Name, Token: uint32(key.Token)}
		byKey[key] = ms
		return ms
	}

	for key, head := range m.ilHeads {
		ms := get(key)
		active := m.active[key]
		for rec := head; rec != nil; rec = rec.next {
			ms.ILVersions = append(ms.ILVersions, ILVersionSnapshot{
				ID:       uint64(rec.id),
				State:    rec.state.String(),
				Active:   rec == active && rec.state != RejitReverted,
				HasIL:    rec.il != nil,
				Flags:    uint32(rec.flags),
				InstrMap: rec.instrMap,
			})
		}
	}

	m.states.Range(func(_, v interface{}) bool {
		state := v.(*MethodVersioningState)
		ms := get(state.method.Key())
		inst := InstanceSnapshot{
			Name:          state.method.Name,
			JumpStamp:     state.stamp.String(),
			DefaultActive: state.defaultActive,
		}
		for rec := state.head; rec != nil; rec = rec.next {
			inst.NativeVersions = append(inst.NativeVersions, NativeVersionSnapshot{
				ID:          uint32(rec.id),
				ILVersionID: uint64(rec.ilID),
				Tier:        rec.tier.String(),
				Compiled:    rec.entry.Load() != 0,
				ActiveChild: rec.activeChild,
			})
		}
		ms.Instances = append(ms.Instances, inst)
		return true
	})

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for _, ms := range byKey {
		snap.Methods = append(snap.Methods, *ms)
	}
	sort.Slice(snap.Methods, func(i, j int) bool {
		a, b := snap.Methods[i], snap.Methods[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.Token < b.Token
	})
	return snap
}

// MarshalSnapshot serializes a snapshot to canonical CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("codever: decoding snapshot: %w", err)
	}
	return &s, nil
}
