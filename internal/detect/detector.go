package detect

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/technosupport/parkwatch/internal/capture"
)

// Reference frame all configured bboxes live in.
const (
	ReferenceWidth  = 1920
	ReferenceHeight = 1080
)

// SpaceBox is one detection region in reference coordinates.
type SpaceBox struct {
	SpaceID   string
	SpaceName string
	X1, Y1    int
	X2, Y2    int
}

// Valid checks the reference-frame bbox invariant.
func (b SpaceBox) Valid() bool {
	return 0 <= b.X1 && b.X1 < b.X2 && b.X2 <= ReferenceWidth &&
		0 <= b.Y1 && b.Y1 < b.Y2 && b.Y2 <= ReferenceHeight
}

// Rescale maps the bbox into an actual frame of size w x h.
func (b SpaceBox) Rescale(w, h int) image.Rectangle {
	rx := func(x int) int { return int(math.Round(float64(x) * float64(w) / ReferenceWidth)) }
	ry := func(y int) int { return int(math.Round(float64(y) * float64(h) / ReferenceHeight)) }
	return image.Rect(rx(b.X1), ry(b.Y1), rx(b.X2), ry(b.Y2))
}

// Observation is the detector verdict for one space. Occupied nil
// means the detector could not decide; Confidence is nil exactly then.
type Observation struct {
	SpaceID    string
	Occupied   *bool
	Confidence *float64
}

// Detector maps (frame, spaces) to per-space occupancy. Implementations
// must be safe for concurrent use or be wrapped in a serializing pool
// by the caller.
type Detector interface {
	Detect(ctx context.Context, frame *capture.Frame, spaces []SpaceBox) ([]Observation, error)
	Annotate(frame *capture.Frame, spaces []SpaceBox, obs []Observation) ([]byte, error)
}

// Tuning holds the scorer thresholds. Values are normalized edge
// densities; the band between VacantBelow and OccupiedAbove maps to
// the unknown verdict.
type Tuning struct {
	OccupiedAbove float64 `yaml:"occupied_above"`
	VacantBelow   float64 `yaml:"vacant_below"`
	// MinRegionPx guards against degenerate rescaled boxes.
	MinRegionPx int `yaml:"min_region_px"`
}

// DefaultTuning matches daylight captures of the s1 main stream.
func DefaultTuning() Tuning {
	return Tuning{OccupiedAbove: 0.085, VacantBelow: 0.035, MinRegionPx: 64}
}

// EdgeDetector scores occupancy from local edge energy inside each
// rescaled bbox. A parked vehicle produces dense gradients against the
// comparatively flat tarmac texture of an empty space.
type EdgeDetector struct {
	mu     sync.RWMutex
	tuning Tuning
}

func NewEdgeDetector(t Tuning) *EdgeDetector {
	if t.OccupiedAbove == 0 && t.VacantBelow == 0 {
		t = DefaultTuning()
	}
	return &EdgeDetector{tuning: t}
}

// SetTuning swaps thresholds at runtime (tuning-file hot reload).
func (d *EdgeDetector) SetTuning(t Tuning) {
	d.mu.Lock()
	d.tuning = t
	d.mu.Unlock()
}

func (d *EdgeDetector) Tuning() Tuning {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tuning
}

func (d *EdgeDetector) Detect(ctx context.Context, frame *capture.Frame, spaces []SpaceBox) ([]Observation, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("nil frame")
	}
	t := d.Tuning()
	gray := toGray(frame.Image)

	obs := make([]Observation, 0, len(spaces))
	for _, sp := range spaces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rect := sp.Rescale(frame.Width, frame.Height).Intersect(gray.Bounds())
		o := Observation{SpaceID: sp.SpaceID}
		if rect.Dx()*rect.Dy() < t.MinRegionPx {
			obs = append(obs, o) // unknown: box degenerate after rescale
			continue
		}
		score := edgeDensity(gray, rect)
		switch {
		case score >= t.OccupiedAbove:
			v := true
			c := clamp01(0.5 + (score-t.OccupiedAbove)/(2*t.OccupiedAbove))
			o.Occupied, o.Confidence = &v, &c
		case score <= t.VacantBelow:
			v := false
			c := clamp01(0.5 + (t.VacantBelow-score)/(2*t.VacantBelow+1e-9))
			o.Occupied, o.Confidence = &v, &c
		default:
			// Dead band: nothing crossed the decision threshold.
		}
		obs = append(obs, o)
	}
	return obs, nil
}

// toGray flattens the frame to 8-bit luminance once per detection.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// BT.601 luma, 16-bit channels down to 8.
			l := (299*r + 587*g + 114*bl) / 1000
			gray.SetGray(x, y, color.Gray{Y: uint8(l >> 8)})
		}
	}
	return gray
}

// edgeDensity is the fraction of pixels whose horizontal+vertical
// gradient magnitude exceeds a fixed step, a cheap Laplacian-variance
// stand-in that is robust to absolute brightness.
func edgeDensity(gray *image.Gray, rect image.Rectangle) float64 {
	const step = 24
	var edges, total int
	for y := rect.Min.Y + 1; y < rect.Max.Y-1; y++ {
		for x := rect.Min.X + 1; x < rect.Max.X-1; x++ {
			c := int(gray.GrayAt(x, y).Y)
			dx := abs(c - int(gray.GrayAt(x+1, y).Y))
			dy := abs(c - int(gray.GrayAt(x, y+1).Y))
			if dx+dy >= step {
				edges++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(edges) / float64(total)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
