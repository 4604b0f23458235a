package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Jump encoding
// ---------------------------------------------------------------------------

// Footprint is the number of entry bytes a jump stamp occupies: one opcode
// byte plus a signed 32-bit displacement (the rel32 jump used on the two
// mainstream architectures we target).
const Footprint = 5

// CASWindow is the width of the atomic swap used when patching code that may
// be executing concurrently. The stamp plus its trailing residual bytes must
// fit in a single naturally-aligned machine word.
const CASWindow = 8

// jumpOpcode is the unconditional relative jump opcode.
const jumpOpcode = 0xE9

// ErrJumpOutOfRange is returned when the displacement between the stamp site
// and its target does not fit in a rel32 jump.
var ErrJumpOutOfRange = errors.New("jump target out of rel32 range")

// EncodeJump produces the Footprint bytes of an unconditional jump located at
// from and landing on target.
func EncodeJump(from, target uintptr) ([Footprint]byte, error) {
	var stamp [Footprint]byte
	disp := int64(target) - int64(from) - Footprint
	if disp > 0x7FFFFFFF || disp < -0x80000000 {
		return stamp, fmt.Errorf("%w: site %#x target %#x", ErrJumpOutOfRange, from, target)
	}
	stamp[0] = jumpOpcode
	binary.LittleEndian.PutUint32(stamp[1:], uint32(int32(disp)))
	return stamp, nil
}

// DecodeJumpTarget returns the landing address of a jump stamp previously
// written at addr, or false if the bytes do not decode as a jump.
func DecodeJumpTarget(addr uintptr, stamp []byte) (uintptr, bool) {
	if len(stamp) < Footprint || stamp[0] != jumpOpcode {
		return 0, false
	}
	disp := int32(binary.LittleEndian.Uint32(stamp[1:Footprint]))
	return uintptr(int64(addr) + Footprint + int64(disp)), true
}

// IsJumpStamp reports whether the given entry bytes begin with a jump stamp.
func IsJumpStamp(stamp []byte) bool {
	return len(stamp) >= 1 && stamp[0] == jumpOpcode
}
