package vision

import "image"

// Point is a 2D pixel-space coordinate.
type Point struct {
	X float64
	Y float64
}

// Quad holds four points. After OrderPoints, index 0 is top-left, 1 top-right,
// 2 bottom-right and 3 bottom-left.
type Quad [4]Point

// OrderPoints sorts four arbitrary points into top-left, top-right, bottom-right,
// bottom-left. Top-left has the minimal x+y, bottom-right the maximal x+y,
// top-right the minimal y-x and bottom-left the maximal y-x. Ties resolve to the
// earliest input point. Degenerate inputs are not rejected.
func OrderPoints(pts [4]Point) Quad {
	minSum, maxSum, minDiff, maxDiff := 0, 0, 0, 0
	for i := 1; i < 4; i++ {
		s := pts[i].X + pts[i].Y
		d := pts[i].Y - pts[i].X
		if s < pts[minSum].X+pts[minSum].Y {
			minSum = i
		}
		if s > pts[maxSum].X+pts[maxSum].Y {
			maxSum = i
		}
		if d < pts[minDiff].Y-pts[minDiff].X {
			minDiff = i
		}
		if d > pts[maxDiff].Y-pts[maxDiff].X {
			maxDiff = i
		}
	}
	return Quad{pts[minSum], pts[minDiff], pts[maxSum], pts[maxDiff]}
}

// QuadFromImagePoints converts integer contour vertices into a Quad. It panics
// if pts does not hold exactly four points.
func QuadFromImagePoints(pts []image.Point) [4]Point {
	if len(pts) != 4 {
		panic("vision: quad needs exactly 4 points")
	}
	var out [4]Point
	for i, p := range pts {
		out[i] = Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return out
}
