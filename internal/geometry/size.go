package geometry

import "math"

// ratioEpsilon is the tolerance for treating two aspect ratios as equal.
const ratioEpsilon = 1e-5

// PreferredFrameSize picks the capture size to request from a camera.
//
// An exact match of the target wins. Otherwise, among candidates whose aspect
// ratio equals the target's within ratioEpsilon, the largest area wins, the
// first seen on equal area. Otherwise the candidate with the closest aspect
// ratio wins, the first seen on ties.
//
// Candidates with a non-positive side are ignored. A target with a
// non-positive side has no ratio, so the largest usable candidate wins. It
// reports false when no usable candidate remains.
func PreferredFrameSize(candidates []Size, target Size) (Size, bool) {
	usable := make([]Size, 0, len(candidates))
	for _, c := range candidates {
		if c.Width > 0 && c.Height > 0 {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return Size{}, false
	}

	if target.Width <= 0 || target.Height <= 0 {
		return largest(usable, func(Size) bool { return true }), true
	}

	for _, c := range usable {
		if c == target {
			return c, true
		}
	}

	targetRatio := target.Ratio()
	sameRatio := func(c Size) bool {
		return math.Abs(c.Ratio()-targetRatio) < ratioEpsilon
	}
	if best := largest(usable, sameRatio); best.Area() > 0 {
		return best, true
	}

	best := usable[0]
	minDiff := math.Abs(best.Ratio() - targetRatio)
	for _, c := range usable[1:] {
		if d := math.Abs(c.Ratio() - targetRatio); d < minDiff {
			best = c
			minDiff = d
		}
	}
	return best, true
}

// largest returns the first candidate of maximal area among those accepted
// by keep, or the zero Size when keep rejects all of them.
func largest(candidates []Size, keep func(Size) bool) Size {
	var best Size
	for _, c := range candidates {
		if keep(c) && c.Area() > best.Area() {
			best = c
		}
	}
	return best
}
