package physics

import "math"

// Vec2 is a lightweight planar vector used by the playfield helpers.
type Vec2 struct {
	X float64
	Y float64
}

// Add returns the component-wise sum.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }

// Scale multiplies both components by k.
func (v Vec2) Scale(k float64) Vec2 { return Vec2{X: v.X * k, Y: v.Y * k} }

// Length returns the Euclidean magnitude.
func (v Vec2) Length() float64 { return math.Hypot(v.X, v.Y) }

// Clamp bounds value to the closed interval [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// ClampMagnitude scales the vector down so its length does not exceed limit.
func ClampMagnitude(v Vec2, limit float64) Vec2 {
	//1.- Skip clamping when the limit disables the guard.
	if !(limit > 0) {
		return v
	}
	lengthSq := v.X*v.X + v.Y*v.Y
	if lengthSq == 0 || lengthSq <= limit*limit {
		return v
	}
	//2.- Scale each axis uniformly so the resulting magnitude matches the limit.
	return v.Scale(limit / math.Sqrt(lengthSq))
}

// Integrate advances position by velocity over step seconds using explicit Euler.
func Integrate(position, velocity Vec2, step float64) Vec2 {
	if step <= 0 {
		return position
	}
	return position.Add(velocity.Scale(step))
}

// ReflectWall keeps a coordinate inside [lo, hi], mirroring the velocity when a bound is reached.
// Bounds are closed so a body resting exactly on a wall while moving into it still bounces.
func ReflectWall(pos, vel, lo, hi float64) (float64, float64, bool) {
	switch {
	case pos < lo || (pos == lo && vel < 0):
		return lo, math.Abs(vel), true
	case pos > hi || (pos == hi && vel > 0):
		return hi, -math.Abs(vel), true
	default:
		return pos, vel, false
	}
}

// PlaneCrossing reports whether a segment from prev to next reached the vertical plane x=planeX
// travelling in the direction of dir (-1 leftwards, +1 rightwards), and the interpolated y at contact.
func PlaneCrossing(prev, next Vec2, planeX float64, dir float64) (float64, bool) {
	if dir < 0 {
		if !(prev.X >= planeX && next.X <= planeX) {
			return 0, false
		}
	} else {
		if !(prev.X <= planeX && next.X >= planeX) {
			return 0, false
		}
	}
	dx := next.X - prev.X
	if dx == 0 {
		return next.Y, true
	}
	t := (planeX - prev.X) / dx
	return prev.Y + (next.Y-prev.Y)*t, true
}

// Overlaps reports whether y lies within the closed extent of a paddle centred at centre.
func Overlaps(y, centre, height float64) bool {
	return math.Abs(y-centre) <= height/2
}

// Deflect computes the outgoing velocity after striking a paddle. The exit angle grows linearly
// with the contact offset from the paddle centre up to maxAngleDeg while the speed is preserved.
// outX selects the horizontal exit direction (+1 or -1).
func Deflect(vel Vec2, contactY, centre, height, maxAngleDeg, outX float64) Vec2 {
	speed := vel.Length()
	half := height / 2
	offset := 0.0
	if half > 0 {
		offset = Clamp((contactY-centre)/half, -1, 1)
	}
	angle := offset * maxAngleDeg * math.Pi / 180
	dir := 1.0
	if outX < 0 {
		dir = -1
	}
	return Vec2{X: dir * speed * math.Cos(angle), Y: speed * math.Sin(angle)}
}

// Heading builds a velocity of the given speed pointing along angleDeg measured from the x-axis,
// mirrored horizontally when dir is negative.
func Heading(speed, angleDeg, dir float64) Vec2 {
	rad := angleDeg * math.Pi / 180
	x := speed * math.Cos(rad)
	if dir < 0 {
		x = -x
	}
	return Vec2{X: x, Y: speed * math.Sin(rad)}
}
