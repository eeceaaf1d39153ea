// Package provable holds the data-independent selection and comparison helpers
// used wherever a step must evaluate every branch of a decision. Results are
// combined with masks and carries; no helper returns early on its inputs.
package provable

import "math/bits"

// Bool is 0 or 1. It is combined arithmetically rather than branched on.
type Bool uint64

const (
	False Bool = 0
	True  Bool = 1
)

// FromBool lifts a native bool.
func FromBool(b bool) Bool {
	var v Bool
	if b {
		v = True
	}
	return v
}

func (b Bool) And(c Bool) Bool { return b & c }
func (b Bool) Or(c Bool) Bool  { return b | c }
func (b Bool) Not() Bool       { return b ^ 1 }

// Bool lowers the value back to a native bool.
func (b Bool) Bool() bool { return b == True }

// All is the conjunction of every operand.
func All(bs ...Bool) Bool {
	acc := True
	for _, b := range bs {
		acc &= b
	}
	return acc
}

// Eq reports a == b.
func Eq(a, b uint64) Bool {
	x := a ^ b
	return Bool(((x | -x) >> 63) ^ 1)
}

// Lt reports a < b from the borrow of a-b.
func Lt(a, b uint64) Bool {
	_, borrow := bits.Sub64(a, b, 0)
	return Bool(borrow)
}

func Lte(a, b uint64) Bool { return Lt(b, a).Not() }
func Gt(a, b uint64) Bool  { return Lt(b, a) }
func Gte(a, b uint64) Bool { return Lt(a, b).Not() }

// If returns a when cond is True and b otherwise. Both operands are always
// evaluated by the caller.
func If(cond Bool, a, b uint64) uint64 {
	mask := -uint64(cond & 1)
	return (a & mask) | (b &^ mask)
}

// Max keeps a on ties.
func Max(a, b uint64) uint64 {
	return If(Gte(a, b), a, b)
}

// Sum3 adds three values and reports whether the sum stayed inside 64 bits.
func Sum3(a, b, c uint64) (uint64, Bool) {
	s, c1 := bits.Add64(a, b, 0)
	s, c2 := bits.Add64(s, c, 0)
	return s, Bool((c1 | c2) ^ 1)
}
