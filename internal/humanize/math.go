package humanize

import (
	"math"
	"math/rand"
	"time"
)

// Point is a mouse coordinate.
type Point struct {
	X, Y float64
}

// gaussianDelay draws a delay from a normal distribution around mean with
// the given relative variance, floored at 10ms.
func gaussianDelay(rng *rand.Rand, mean time.Duration, variance float64) time.Duration {
	std := float64(mean) * variance
	d := time.Duration(rng.NormFloat64()*std + float64(mean))
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// uniformDelay draws uniformly from [min, max].
func uniformDelay(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// cubicBezier evaluates the curve at t for the four control points.
func cubicBezier(p0, p1, p2, p3 Point, t float64) Point {
	u := 1 - t
	return Point{
		X: u*u*u*p0.X + 3*u*u*t*p1.X + 3*u*t*t*p2.X + t*t*t*p3.X,
		Y: u*u*u*p0.Y + 3*u*u*t*p1.Y + 3*u*t*t*p2.Y + t*t*t*p3.Y,
	}
}

// mousePath builds a curved path from start to end: a cubic bezier with a
// sideways bias, micro-jitter strongest mid-path, and step count scaled by
// distance.
func mousePath(rng *rand.Rand, start, end Point, baseSteps int) []Point {
	dx, dy := end.X-start.X, end.Y-start.Y
	distance := math.Hypot(dx, dy)

	steps := int(float64(baseSteps) * distance / 300)
	if steps < 10 {
		steps = 10
	}

	// The path bows to one side rather than tracking the straight line.
	angleOffset := rng.Float64()*0.6 - 0.3
	perpX := -dy * angleOffset * 0.3
	perpY := dx * angleOffset * 0.3

	c1 := Point{
		X: start.X + dx*0.25 + (rng.Float64()*80 - 40) + perpX,
		Y: start.Y + dy*0.1 + (rng.Float64()*50 - 25) + perpY,
	}
	c2 := Point{
		X: start.X + dx*0.75 + (rng.Float64()*50 - 25) + perpX*0.5,
		Y: start.Y + dy*0.9 + (rng.Float64()*30 - 15) + perpY*0.5,
	}

	path := make([]Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := cubicBezier(start, c1, c2, end, t)

		// Hand tremor, strongest mid-path where the hand moves fastest.
		if rng.Float64() < 0.3 {
			jitter := 1.5 * (1 - math.Abs(2*t-1))
			p.X += rng.Float64()*2*jitter - jitter
			p.Y += rng.Float64()*2*jitter - jitter
		}
		path = append(path, p)
	}
	// The final point lands exactly on target.
	path[len(path)-1] = end
	return path
}

// moveSpeedFactor eases in and out along the path with a sine curve.
func moveSpeedFactor(t float64) float64 {
	f := 0.5 + 0.5*math.Sin(math.Pi*t)
	if f < 0.3 {
		f = 0.3
	}
	return f
}

// scrollSteps splits a scroll distance into irregular wheel steps.
func scrollSteps(rng *rand.Rand, amount, stepMin, stepMax int) []int {
	if amount <= 0 {
		return nil
	}
	var steps []int
	scrolled := 0
	for scrolled < amount {
		step := stepMin + rng.Intn(stepMax-stepMin+1)
		if step > amount-scrolled {
			step = amount - scrolled
		}
		steps = append(steps, step)
		scrolled += step
	}
	return steps
}

// readingTime estimates how long a human spends reading a response of the
// given length, at roughly 200 words per minute, clamped to [1s, 30s].
func readingTime(rng *rand.Rand, chars int, speedFactor float64) time.Duration {
	if speedFactor <= 0 {
		speedFactor = 1
	}
	charsPerSecond := 3.3 * speedFactor
	seconds := float64(chars) / charsPerSecond * (0.5 + rng.Float64())
	if seconds < 1 {
		seconds = 1
	}
	if seconds > 30 {
		seconds = 30
	}
	return time.Duration(seconds * float64(time.Second))
}
