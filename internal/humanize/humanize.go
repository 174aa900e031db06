// Package humanize drives a page the way a person would: gaussian typing
// rhythm, curved mouse travel with the occasional overshoot, momentum
// scrolling and reading pauses. Everything detection systems score as
// behavioral biometrics.
package humanize

import (
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Config tunes the behavior profile. Zero values take the defaults below.
type Config struct {
	BaseTypingDelay time.Duration // mean inter-key delay
	TypingVariance  float64       // relative std dev of the key delay
	WordPauseChance float64       // pause probability at word boundaries
	TypoChance      float64       // type-wrong-then-correct probability per word

	MouseSpeedFactor float64 // 1.0 = normal travel speed
	MouseCurveSteps  int     // base points per curve at 300px distance
	OvershootChance  float64

	ScrollStepMin int // pixels per wheel step
	ScrollStepMax int

	FatiguePerChar float64 // per-character slowdown accumulation
}

// DefaultConfig mirrors measured human medians.
func DefaultConfig() Config {
	return Config{
		BaseTypingDelay:  80 * time.Millisecond,
		TypingVariance:   0.4,
		WordPauseChance:  0.1,
		TypoChance:       0,
		MouseSpeedFactor: 1.0,
		MouseCurveSteps:  25,
		OvershootChance:  0.15,
		ScrollStepMin:    40,
		ScrollStepMax:    180,
		FatiguePerChar:   0.001,
	}
}

// Behavior drives one page. Not safe for concurrent use; a page has one
// user.
type Behavior struct {
	page       *rod.Page
	cfg        Config
	rng        *rand.Rand
	charsTyped int
	lastPos    *Point

	// sleep is a hook so tests can run without wall-clock delays.
	sleep func(time.Duration)
}

// New creates a Behavior for a page.
func New(page *rod.Page, cfg Config) *Behavior {
	if cfg.BaseTypingDelay == 0 {
		cfg = DefaultConfig()
	}
	return &Behavior{
		page:  page,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: time.Sleep,
	}
}

// MicroPause waits a beat, like a natural hesitation.
func (b *Behavior) MicroPause() {
	b.sleep(uniformDelay(b.rng, 50*time.Millisecond, 250*time.Millisecond))
}

// ThinkPause waits longer, like the user deciding what to do next.
func (b *Behavior) ThinkPause() {
	b.sleep(uniformDelay(b.rng, 400*time.Millisecond, 2*time.Second))
}

// Type enters text into the focused element one rune at a time with a
// human rhythm: gaussian key intervals, word-boundary and punctuation
// pauses, growing fatigue, and (when configured) a rare typo that gets
// corrected immediately.
func (b *Behavior) Type(text string) error {
	runes := []rune(text)
	for i, r := range runes {
		delay := gaussianDelay(b.rng, b.cfg.BaseTypingDelay, b.cfg.TypingVariance)
		delay = time.Duration(float64(delay) * b.fatigue())

		if r == ' ' {
			if b.rng.Float64() < b.cfg.WordPauseChance {
				delay += uniformDelay(b.rng, 100*time.Millisecond, 400*time.Millisecond)
			}
			if b.cfg.TypoChance > 0 && b.rng.Float64() < b.cfg.TypoChance && i+1 < len(runes) {
				if err := b.typoAndCorrect(runes[i+1]); err != nil {
					return err
				}
			}
		}

		// Thinking about the next clause after punctuation.
		if i > 0 {
			switch runes[i-1] {
			case '.', '!', '?', ',', ';', ':':
				delay += uniformDelay(b.rng, 100*time.Millisecond, 300*time.Millisecond)
			}
		}

		// Rare mid-word hesitation.
		if b.rng.Float64() < 0.02 {
			delay += uniformDelay(b.rng, 100*time.Millisecond, 400*time.Millisecond)
		}

		if err := b.page.InsertText(string(r)); err != nil {
			return err
		}
		b.charsTyped++
		b.sleep(delay)
	}
	return nil
}

// typoAndCorrect types a neighbor of the upcoming rune, notices, and
// backspaces.
func (b *Behavior) typoAndCorrect(next rune) error {
	wrong := neighborKey(b.rng, next)
	if wrong == 0 {
		return nil
	}
	if err := b.page.InsertText(string(wrong)); err != nil {
		return err
	}
	b.sleep(uniformDelay(b.rng, 150*time.Millisecond, 500*time.Millisecond))
	if err := b.page.Keyboard.Type(input.Backspace); err != nil {
		return err
	}
	b.sleep(uniformDelay(b.rng, 80*time.Millisecond, 200*time.Millisecond))
	return nil
}

// qwertyNeighbors maps a key to keys adjacent on a QWERTY layout.
var qwertyNeighbors = map[rune]string{
	'a': "sq", 'b': "vn", 'c': "xv", 'd': "sf", 'e': "wr", 'f': "dg",
	'g': "fh", 'h': "gj", 'i': "uo", 'j': "hk", 'k': "jl", 'l': "k",
	'm': "n", 'n': "bm", 'o': "ip", 'p': "o", 'q': "wa", 'r': "et",
	's': "ad", 't': "ry", 'u': "yi", 'v': "cb", 'w': "qe", 'x': "zc",
	'y': "tu", 'z': "x",
}

func neighborKey(rng *rand.Rand, r rune) rune {
	n, ok := qwertyNeighbors[r]
	if !ok {
		return 0
	}
	return rune(n[rng.Intn(len(n))])
}

func (b *Behavior) fatigue() float64 {
	return 1.0 + float64(b.charsTyped)*b.cfg.FatiguePerChar
}

// Click moves the mouse to the element along a curved path and clicks a
// gaussian-distributed point inside it.
func (b *Behavior) Click(el *rod.Element) error {
	// Occasional hesitation before committing.
	if b.rng.Float64() < 0.1 {
		b.sleep(uniformDelay(b.rng, 200*time.Millisecond, 800*time.Millisecond))
	}

	shape, err := el.Shape()
	if err != nil || len(shape.Quads) == 0 {
		// No geometry; fall back to rod's own click.
		return el.Click(proto.InputMouseButtonLeft, 1)
	}
	box := shape.Box()

	target := Point{
		X: box.X + box.Width/2 + b.rng.NormFloat64()*box.Width*0.15,
		Y: box.Y + box.Height/2 + b.rng.NormFloat64()*box.Height*0.15,
	}
	margin := box.Width * 0.15
	if box.Height < box.Width {
		margin = box.Height * 0.15
	}
	target.X = clamp(target.X, box.X+margin, box.X+box.Width-margin)
	target.Y = clamp(target.Y, box.Y+margin, box.Y+box.Height-margin)

	if err := b.moveWithCurve(target, true); err != nil {
		return err
	}
	b.sleep(uniformDelay(b.rng, 50*time.Millisecond, 150*time.Millisecond))

	if err := b.page.Mouse.MoveTo(proto.Point{X: target.X, Y: target.Y}); err != nil {
		return err
	}
	return b.page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// moveWithCurve walks the mouse along a bezier path with sine-eased speed
// and, when allowed, an overshoot-and-correct at the end.
func (b *Behavior) moveWithCurve(target Point, mayOvershoot bool) error {
	start := b.startPos()
	path := mousePath(b.rng, start, target, b.cfg.MouseCurveSteps)

	speed := b.cfg.MouseSpeedFactor
	if speed <= 0 {
		speed = 1
	}

	for i, p := range path {
		if err := b.page.Mouse.MoveTo(proto.Point{X: p.X, Y: p.Y}); err != nil {
			return err
		}
		t := float64(i) / float64(len(path)-1)
		delay := time.Duration(4/speed/moveSpeedFactor(t)) * time.Millisecond
		// Rare micro-pause like repositioning the hand.
		if b.rng.Float64() < 0.05 {
			delay += uniformDelay(b.rng, 20*time.Millisecond, 50*time.Millisecond)
		}
		b.sleep(delay)
	}

	if mayOvershoot && b.rng.Float64() < b.cfg.OvershootChance {
		over := Point{
			X: target.X + (5+b.rng.Float64()*10)*sign(b.rng),
			Y: target.Y + (5+b.rng.Float64()*10)*sign(b.rng),
		}
		if err := b.page.Mouse.MoveTo(proto.Point{X: over.X, Y: over.Y}); err != nil {
			return err
		}
		b.sleep(uniformDelay(b.rng, 50*time.Millisecond, 120*time.Millisecond))
		if err := b.page.Mouse.MoveTo(proto.Point{X: target.X, Y: target.Y}); err != nil {
			return err
		}
		b.sleep(uniformDelay(b.rng, 20*time.Millisecond, 50*time.Millisecond))
	}

	b.lastPos = &target
	return nil
}

func (b *Behavior) startPos() Point {
	if b.lastPos != nil {
		return Point{
			X: b.lastPos.X + b.rng.Float64()*6 - 3,
			Y: b.lastPos.Y + b.rng.Float64()*6 - 3,
		}
	}
	// Unknown; start near the middle of a typical viewport.
	return Point{
		X: 640 + b.rng.Float64()*200 - 100,
		Y: 360 + b.rng.Float64()*200 - 100,
	}
}

// ScrollDown scrolls by roughly amount pixels in irregular wheel steps.
func (b *Behavior) ScrollDown(amount int) error {
	return b.scroll(amount, 1)
}

// ScrollUp scrolls up by roughly amount pixels.
func (b *Behavior) ScrollUp(amount int) error {
	return b.scroll(amount, -1)
}

func (b *Behavior) scroll(amount, direction int) error {
	for _, step := range scrollSteps(b.rng, amount, b.cfg.ScrollStepMin, b.cfg.ScrollStepMax) {
		if err := b.page.Mouse.Scroll(0, float64(step*direction), 1); err != nil {
			return err
		}
		b.sleep(uniformDelay(b.rng, 30*time.Millisecond, 200*time.Millisecond))
		// Occasional mid-scroll pause, like skimming a paragraph.
		if b.rng.Float64() < 0.2 {
			b.sleep(uniformDelay(b.rng, 300*time.Millisecond, 900*time.Millisecond))
		}
	}
	return nil
}

// ReadResponse idles like a user reading chars worth of answer,
// occasionally scrolling.
func (b *Behavior) ReadResponse(chars int) error {
	total := readingTime(b.rng, chars, 1.0)
	var elapsed time.Duration
	for elapsed < total {
		chunk := uniformDelay(b.rng, 2*time.Second, 5*time.Second)
		if chunk > total-elapsed {
			chunk = total - elapsed
		}
		b.sleep(chunk)
		elapsed += chunk

		if b.rng.Float64() < 0.4 {
			if err := b.ScrollDown(50 + b.rng.Intn(100)); err != nil {
				return err
			}
		}
	}
	return nil
}

// IdleWander performs a small amount of aimless activity: a short scroll
// or a mouse drift. Used between requests to break mechanical rhythm.
func (b *Behavior) IdleWander() error {
	switch b.rng.Intn(3) {
	case 0:
		return b.scroll(50+b.rng.Intn(100), []int{-1, 1}[b.rng.Intn(2)])
	case 1:
		return b.moveWithCurve(Point{
			X: 100 + b.rng.Float64()*1000,
			Y: 100 + b.rng.Float64()*500,
		}, false)
	default:
		b.MicroPause()
		return nil
	}
}

func clamp(v, lo, hi float64) float64 {
	if lo > hi {
		return (lo + hi) / 2
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(rng *rand.Rand) float64 {
	if rng.Float64() > 0.5 {
		return 1
	}
	return -1
}
