package vehicle

import "sort"

// CurvePoint is one (socPercent, powerKW) knot of a vehicle's charging
// curve, e.g. {0, 50}, {80, 50}, {100, 11} for a typical CC/CV taper.
type CurvePoint struct {
	SoCPercent float64
	PowerKW    float64
}

// Curve is a piecewise-linear mapping from SoC percentage to the
// maximum power the vehicle will accept at that SoC. PowerAt assumes
// points sorted ascending by SoCPercent; Sort orders them, and the
// stores in this repository do not call it when loading a profile.
type Curve []CurvePoint

// Sort orders the curve's points by SoC percentage ascending.
func (c Curve) Sort() {
	sort.Slice(c, func(i, j int) bool { return c[i].SoCPercent < c[j].SoCPercent })
}

// PowerAt returns the interpolated power ceiling (kW) at the given SoC
// percentage. Below the first point or above the last, the boundary
// value is held flat. The bracketing segment is found with a binary
// search rather than a scan, which relies on the ascending order.
func (c Curve) PowerAt(socPercent float64) float64 {
	if len(c) == 0 {
		return 0
	}
	if socPercent <= c[0].SoCPercent {
		return c[0].PowerKW
	}
	last := c[len(c)-1]
	if socPercent >= last.SoCPercent {
		return last.PowerKW
	}

	hi := sort.Search(len(c), func(i int) bool { return c[i].SoCPercent >= socPercent })
	lo := hi - 1

	span := c[hi].SoCPercent - c[lo].SoCPercent
	if span <= 0 {
		return c[hi].PowerKW
	}
	frac := (socPercent - c[lo].SoCPercent) / span
	return c[lo].PowerKW + frac*(c[hi].PowerKW-c[lo].PowerKW)
}
