package detect

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/technosupport/parkwatch/internal/capture"
)

var (
	colOccupied = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	colVacant   = color.RGBA{R: 40, G: 200, B: 80, A: 255}
	colUnknown  = color.RGBA{R: 230, G: 180, B: 30, A: 255}
)

// Annotate renders one labelled copy of the frame with every space
// outlined and captioned. The encoded JPEG goes to the *_detected
// blob path next to the raw screenshot.
func (d *EdgeDetector) Annotate(frame *capture.Frame, spaces []SpaceBox, obs []Observation) ([]byte, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("nil frame")
	}
	byID := make(map[string]Observation, len(obs))
	for _, o := range obs {
		byID[o.SpaceID] = o
	}

	b := frame.Image.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), frame.Image, b.Min, draw.Src)

	for _, sp := range spaces {
		o := byID[sp.SpaceID]
		col := colUnknown
		label := fmt.Sprintf("%s ?", sp.SpaceName)
		if o.Occupied != nil {
			pct := 0.0
			if o.Confidence != nil {
				pct = *o.Confidence * 100
			}
			if *o.Occupied {
				col = colOccupied
				label = fmt.Sprintf("%s occupied %.0f%%", sp.SpaceName, pct)
			} else {
				col = colVacant
				label = fmt.Sprintf("%s vacant %.0f%%", sp.SpaceName, pct)
			}
		}
		rect := sp.Rescale(frame.Width, frame.Height).Intersect(canvas.Bounds())
		drawRect(canvas, rect, col, 3)
		drawLabel(canvas, rect.Min.X+4, rect.Min.Y+16, label, col)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}

func drawRect(m *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, r.Min.Y+t, c)
			m.Set(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			m.Set(r.Min.X+t, y, c)
			m.Set(r.Max.X-1-t, y, c)
		}
	}
}

func drawLabel(m *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  m,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(s)
}
