// Package humanoid dispatches mouse input along a jittered, human-looking
// path. The login flow only needs one interaction from it: hovering over and
// clicking a challenge control the way a person would.
package humanoid

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/aquilax/go-perlin"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	// moveSteps bounds the number of mousemove events per trajectory.
	moveSteps = 24
	// stepDelay paces the movement at roughly 120 Hz.
	stepDelay = 8 * time.Millisecond
)

// Humanoid generates noisy cursor trajectories. Not safe for concurrent use;
// each browser page owns its own instance.
type Humanoid struct {
	logger *zap.Logger
	rng    *rand.Rand
	noiseX *perlin.Perlin
	noiseY *perlin.Perlin
	posX   float64
	posY   float64
}

// New seeds a Humanoid with standard Perlin parameters.
func New(logger *zap.Logger) *Humanoid {
	seed := time.Now().UnixNano()
	return &Humanoid{
		logger: logger.Named("humanoid"),
		rng:    rand.New(rand.NewSource(seed)),
		noiseX: perlin.NewPerlin(2.0, 2.0, 3, seed),
		noiseY: perlin.NewPerlin(2.0, 2.0, 3, seed+1),
	}
}

type elementBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Found  bool    `json:"found"`
}

// HoverClick moves the cursor to the element along a noisy path, pauses, and
// clicks with a randomized hold duration.
func (h *Humanoid) HoverClick(ctx context.Context, selector string) error {
	box, err := h.resolveBox(ctx, selector)
	if err != nil {
		return err
	}
	if !box.Found || box.Width <= 0 || box.Height <= 0 {
		return fmt.Errorf("humanoid: element %q has no clickable box", selector)
	}

	// Aim slightly off-center; nobody clicks the exact midpoint.
	targetX := box.X + box.Width*(0.35+h.rng.Float64()*0.3)
	targetY := box.Y + box.Height*(0.35+h.rng.Float64()*0.3)

	if err := h.moveTo(ctx, targetX, targetY); err != nil {
		return err
	}
	if err := h.sleep(ctx, time.Duration(120+h.rng.Intn(180))*time.Millisecond); err != nil {
		return err
	}
	return h.click(ctx, targetX, targetY)
}

func (h *Humanoid) resolveBox(ctx context.Context, selector string) (*elementBox, error) {
	sel, _ := json.Marshal(selector)
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return { found: false };
		const r = el.getBoundingClientRect();
		return { found: true, x: r.x, y: r.y, width: r.width, height: r.height };
	})()`, sel)
	var box elementBox
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &box)); err != nil {
		return nil, fmt.Errorf("humanoid: failed to resolve %q: %w", selector, err)
	}
	return &box, nil
}

// moveTo interpolates from the current position to the target, bending the
// path with Perlin noise so the trajectory never runs perfectly straight.
func (h *Humanoid) moveTo(ctx context.Context, targetX, targetY float64) error {
	startX, startY := h.posX, h.posY
	dist := math.Hypot(targetX-startX, targetY-startY)
	steps := moveSteps
	if dist < 100 {
		steps = moveSteps / 2
	}
	noiseScale := math.Min(dist*0.08, 18.0)

	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		// Ease in/out so velocity peaks mid-flight.
		eased := t * t * (3 - 2*t)
		// Noise fades to zero at both endpoints.
		fade := math.Sin(t * math.Pi)

		x := startX + (targetX-startX)*eased + h.noiseX.Noise1D(t*0.8)*noiseScale*fade
		y := startY + (targetY-startY)*eased + h.noiseY.Noise1D(t*0.8)*noiseScale*fade

		if err := chromedp.Run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y)); err != nil {
			return fmt.Errorf("humanoid: mousemove failed: %w", err)
		}
		if err := h.sleep(ctx, stepDelay); err != nil {
			return err
		}
	}

	h.posX, h.posY = targetX, targetY
	return nil
}

func (h *Humanoid) click(ctx context.Context, x, y float64) error {
	press := chromedp.MouseEvent(input.MousePressed, x, y,
		chromedp.Button("left"), chromedp.ClickCount(1))
	if err := chromedp.Run(ctx, press); err != nil {
		return fmt.Errorf("humanoid: mousedown failed: %w", err)
	}
	// Typical click hold is 60-140ms.
	if err := h.sleep(ctx, time.Duration(60+h.rng.Intn(80))*time.Millisecond); err != nil {
		return err
	}
	release := chromedp.MouseEvent(input.MouseReleased, x, y,
		chromedp.Button("left"), chromedp.ClickCount(1))
	if err := chromedp.Run(ctx, release); err != nil {
		return fmt.Errorf("humanoid: mouseup failed: %w", err)
	}
	h.logger.Debug("Humanoid click dispatched", zap.Float64("x", x), zap.Float64("y", y))
	return nil
}

func (h *Humanoid) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
