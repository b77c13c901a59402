package pod

import (
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
)

// ChoiceKind describes how the values of a Choice are interpreted.
type ChoiceKind int

const (
	// ChoiceNone is a single fixed value
	ChoiceNone ChoiceKind = iota
	// ChoiceRange is a closed interval [min, max] with a preferred default
	ChoiceRange
	// ChoiceStep is an interval whose members are min + k*step
	ChoiceStep
	// ChoiceEnum is an explicit set of alternatives with a preferred default
	ChoiceEnum
)

// String returns the string representation of ChoiceKind
func (k ChoiceKind) String() string {
	switch k {
	case ChoiceNone:
		return "none"
	case ChoiceRange:
		return "range"
	case ChoiceStep:
		return "step"
	case ChoiceEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// Choice is a property value that may still leave room for negotiation.
//
// Values layout per kind:
//
//	None:  [value]
//	Range: [default, min, max]
//	Step:  [default, min, max, step]
//	Enum:  [default, alt1, alt2, ...]
type Choice struct {
	Kind   ChoiceKind
	Values []int64
}

// Fixed returns a fixed choice.
func Fixed(v int64) Choice {
	return Choice{Kind: ChoiceNone, Values: []int64{v}}
}

// Range returns a range choice. min and max are swapped when reversed.
func Range(def, lo, hi int64) Choice {
	if lo > hi {
		lo, hi = hi, lo
	}
	return Choice{Kind: ChoiceRange, Values: []int64{clamp(def, lo, hi), lo, hi}}
}

// Step returns a stepped range choice. A step below one collapses to a plain range.
func Step(def, lo, hi, step int64) Choice {
	if step <= 1 {
		return Range(def, lo, hi)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	c := Choice{Kind: ChoiceStep, Values: []int64{def, lo, hi, step}}
	c.Values[0] = c.nearest(def)
	return c
}

// Enum returns an enumerated choice. The default is always a member.
func Enum(def int64, alts ...int64) Choice {
	vals := []int64{def}
	if !slices.Contains(alts, def) {
		vals = append(vals, def)
	}
	for _, a := range alts {
		if !slices.Contains(vals[1:], a) {
			vals = append(vals, a)
		}
	}
	return Choice{Kind: ChoiceEnum, Values: vals}
}

// Default returns the preferred value.
func (c Choice) Default() int64 {
	if len(c.Values) == 0 {
		return 0
	}
	return c.Values[0]
}

// IsFixed reports whether the choice holds exactly one value.
func (c Choice) IsFixed() bool {
	return c.Kind == ChoiceNone
}

func (c Choice) bounds() (int64, int64) {
	switch c.Kind {
	case ChoiceRange, ChoiceStep:
		return c.Values[1], c.Values[2]
	case ChoiceEnum:
		alts := c.Values[1:]
		return slices.Min(alts), slices.Max(alts)
	default:
		return c.Values[0], c.Values[0]
	}
}

// Contains reports whether v is an allowed value.
func (c Choice) Contains(v int64) bool {
	switch c.Kind {
	case ChoiceNone:
		return c.Values[0] == v
	case ChoiceRange:
		return v >= c.Values[1] && v <= c.Values[2]
	case ChoiceStep:
		lo, hi, step := c.Values[1], c.Values[2], c.Values[3]
		return v >= lo && v <= hi && (v-lo)%step == 0
	case ChoiceEnum:
		return slices.Contains(c.Values[1:], v)
	}
	return false
}

// nearest returns the allowed value closest to v, preferring the lower one on ties.
func (c Choice) nearest(v int64) int64 {
	switch c.Kind {
	case ChoiceRange:
		return clamp(v, c.Values[1], c.Values[2])
	case ChoiceStep:
		lo, hi, step := c.Values[1], c.Values[2], c.Values[3]
		v = clamp(v, lo, hi)
		down := lo + (v-lo)/step*step
		up := down + step
		if up > hi || v-down <= up-v {
			return down
		}
		return up
	case ChoiceEnum:
		best := c.Values[1]
		for _, a := range c.Values[2:] {
			if abs(a-v) < abs(best-v) {
				best = a
			}
		}
		return best
	}
	return c.Values[0]
}

// Fixate collapses the choice to a single value, the default when allowed.
func (c Choice) Fixate() Choice {
	if c.Kind == ChoiceNone {
		return c
	}
	def := c.Values[0]
	if c.Contains(def) {
		return Fixed(def)
	}
	return Fixed(c.nearest(def))
}

// Intersect returns the values allowed by both choices. The receiver's
// default is preferred. ok is false when nothing is common.
func (c Choice) Intersect(o Choice) (Choice, bool) {
	if c.Kind == ChoiceNone {
		if o.Contains(c.Values[0]) {
			return c, true
		}
		return Choice{}, false
	}
	if o.Kind == ChoiceNone {
		if c.Contains(o.Values[0]) {
			return o, true
		}
		return Choice{}, false
	}
	if c.Kind == ChoiceEnum || o.Kind == ChoiceEnum {
		return intersectEnum(c, o)
	}

	clo, chi := c.bounds()
	olo, ohi := o.bounds()
	lo, hi := max(clo, olo), min(chi, ohi)
	if lo > hi {
		return Choice{}, false
	}

	step := int64(1)
	var base int64
	switch {
	case c.Kind == ChoiceStep && o.Kind == ChoiceStep:
		var ok bool
		base, step, ok = commonStep(c.Values[1], c.Values[3], o.Values[1], o.Values[3], lo, hi)
		if !ok {
			return Choice{}, false
		}
		if step == 0 {
			return Fixed(base), true
		}
	case c.Kind == ChoiceStep:
		step = c.Values[3]
		base = alignUp(lo, c.Values[1], step)
	case o.Kind == ChoiceStep:
		step = o.Values[3]
		base = alignUp(lo, o.Values[1], step)
	default:
		base = lo
	}
	if base > hi {
		return Choice{}, false
	}
	if step > 1 {
		top := base + (hi-base)/step*step
		if top == base {
			return Fixed(base), true
		}
		return Step(c.Values[0], base, top, step), true
	}
	if lo == hi {
		return Fixed(lo), true
	}
	return Range(c.Values[0], lo, hi), true
}

func intersectEnum(c, o Choice) (Choice, bool) {
	var alts []int64
	candidates := c
	other := o
	if c.Kind != ChoiceEnum {
		candidates, other = o, c
	}
	for _, v := range candidates.Values[1:] {
		if other.Contains(v) {
			alts = append(alts, v)
		}
	}
	switch len(alts) {
	case 0:
		return Choice{}, false
	case 1:
		return Fixed(alts[0]), true
	}
	def := alts[0]
	if slices.Contains(alts, c.Values[0]) {
		def = c.Values[0]
	} else if slices.Contains(alts, o.Values[0]) {
		def = o.Values[0]
	}
	return Enum(def, alts...), true
}

// Equal reports whether both choices carry the same kind and values.
func (c Choice) Equal(o Choice) bool {
	return c.Kind == o.Kind && slices.Equal(c.Values, o.Values)
}

// String renders the choice for logs.
func (c Choice) String() string {
	switch c.Kind {
	case ChoiceNone:
		return strconv.FormatInt(c.Values[0], 10)
	case ChoiceRange:
		return fmt.Sprintf("[%d..%d def %d]", c.Values[1], c.Values[2], c.Values[0])
	case ChoiceStep:
		return fmt.Sprintf("[%d..%d/%d def %d]", c.Values[1], c.Values[2], c.Values[3], c.Values[0])
	case ChoiceEnum:
		parts := make([]string, 0, len(c.Values)-1)
		for _, v := range c.Values[1:] {
			parts = append(parts, strconv.FormatInt(v, 10))
		}
		return fmt.Sprintf("{%s def %d}", strings.Join(parts, ","), c.Values[0])
	}
	return "?"
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// commonStep solves v = min1 (mod step1) and v = min2 (mod step2) for the
// first v in [lo, hi]. The members shared by both grids are v + k*step. step is
// 0 when the common step does not fit an int64, leaving v as the only member.
func commonStep(min1, step1, min2, step2, lo, hi int64) (v, step int64, ok bool) {
	s1, s2 := big.NewInt(step1), big.NewInt(step2)
	var x big.Int
	g := new(big.Int).GCD(&x, nil, s1, s2)

	q, r := new(big.Int).QuoRem(new(big.Int).Sub(big.NewInt(min2), big.NewInt(min1)), g, new(big.Int))
	if r.Sign() != 0 {
		return 0, 0, false
	}
	l := new(big.Int).Mul(new(big.Int).Quo(s1, g), s2)

	// step1*x = g (mod step2), so min1 + step1*x*q lands on both grids.
	sol := new(big.Int).Mul(s1, x.Mul(&x, q))
	sol.Add(sol, big.NewInt(min1))

	off := sol.Sub(sol, big.NewInt(lo))
	off.Mod(off, l)
	if off.Cmp(new(big.Int).Sub(big.NewInt(hi), big.NewInt(lo))) > 0 {
		return 0, 0, false
	}
	v = lo + off.Int64()
	if !l.IsInt64() {
		return v, 0, true
	}
	return v, l.Int64(), true
}

// alignUp returns the first value >= v of the form base + k*step.
func alignUp(v, base, step int64) int64 {
	if v <= base {
		return base
	}
	return base + (v-base+step-1)/step*step
}
