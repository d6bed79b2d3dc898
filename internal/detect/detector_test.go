package detect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/parkwatch/internal/capture"
)

// testFrame paints a 960x540 frame (half the reference size) with a
// flat left half and a checkerboard right half.
func testFrame(t *testing.T) *capture.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 960, 540))
	for y := 0; y < 540; y++ {
		for x := 0; x < 960; x++ {
			c := color.RGBA{R: 120, G: 120, B: 120, A: 255}
			if x >= 480 && (x/4+y/4)%2 == 0 {
				c = color.RGBA{R: 250, G: 250, B: 250, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return &capture.Frame{Image: img, Width: 960, Height: 540}
}

func TestSpaceBoxValid(t *testing.T) {
	assert.True(t, SpaceBox{X1: 0, Y1: 0, X2: 1920, Y2: 1080}.Valid())
	assert.False(t, SpaceBox{X1: 100, Y1: 100, X2: 100, Y2: 200}.Valid(), "zero width")
	assert.False(t, SpaceBox{X1: 0, Y1: 0, X2: 1921, Y2: 100}.Valid(), "past reference width")
	assert.False(t, SpaceBox{X1: -1, Y1: 0, X2: 10, Y2: 10}.Valid())
}

func TestSpaceBoxRescale(t *testing.T) {
	b := SpaceBox{X1: 960, Y1: 540, X2: 1920, Y2: 1080}
	r := b.Rescale(960, 540)
	assert.Equal(t, image.Rect(480, 270, 960, 540), r)

	// Rounds, not truncates.
	b = SpaceBox{X1: 1, Y1: 1, X2: 3, Y2: 3}
	r = b.Rescale(960, 540)
	assert.Equal(t, image.Rect(1, 1, 2, 2), r)
}

func TestNewEdgeDetectorAppliesTuning(t *testing.T) {
	d := NewEdgeDetector(DefaultTuning())
	assert.Equal(t, DefaultTuning(), d.Tuning())

	d = NewEdgeDetector(Tuning{})
	assert.Equal(t, DefaultTuning(), d.Tuning(), "zero value falls back to defaults")

	custom := Tuning{OccupiedAbove: 0.2, VacantBelow: 0.1, MinRegionPx: 32}
	assert.Equal(t, custom, NewEdgeDetector(custom).Tuning())
}

func TestEdgeDetectorVerdicts(t *testing.T) {
	d := NewEdgeDetector(DefaultTuning())
	frame := testFrame(t)

	spaces := []SpaceBox{
		{SpaceID: "A-01", SpaceName: "A-01", X1: 40, Y1: 40, X2: 900, Y2: 1000},     // flat half
		{SpaceID: "A-02", SpaceName: "A-02", X1: 1000, Y1: 40, X2: 1880, Y2: 1000}, // checkerboard half
	}
	obs, err := d.Detect(context.Background(), frame, spaces)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	require.NotNil(t, obs[0].Occupied)
	assert.False(t, *obs[0].Occupied, "flat region reads vacant")
	require.NotNil(t, obs[0].Confidence)

	require.NotNil(t, obs[1].Occupied)
	assert.True(t, *obs[1].Occupied, "checkerboard region reads occupied")
	require.NotNil(t, obs[1].Confidence)
	assert.GreaterOrEqual(t, *obs[1].Confidence, 0.5)
	assert.LessOrEqual(t, *obs[1].Confidence, 1.0)
}

func TestEdgeDetectorDegenerateBoxIsUnknown(t *testing.T) {
	d := NewEdgeDetector(DefaultTuning())
	frame := testFrame(t)

	obs, err := d.Detect(context.Background(), frame, []SpaceBox{
		{SpaceID: "tiny", X1: 10, Y1: 10, X2: 14, Y2: 14},
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Nil(t, obs[0].Occupied)
	assert.Nil(t, obs[0].Confidence)
}

func TestEdgeDetectorNilFrame(t *testing.T) {
	d := NewEdgeDetector(DefaultTuning())
	_, err := d.Detect(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestAnnotateProducesDecodableJPEG(t *testing.T) {
	d := NewEdgeDetector(DefaultTuning())
	frame := testFrame(t)
	spaces := []SpaceBox{
		{SpaceID: "A-01", SpaceName: "A-01", X1: 40, Y1: 40, X2: 900, Y2: 1000},
	}
	obs, err := d.Detect(context.Background(), frame, spaces)
	require.NoError(t, err)

	raw, err := d.Annotate(frame, spaces, obs)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, frame.Width, img.Bounds().Dx())
	assert.Equal(t, frame.Height, img.Bounds().Dy())
}

func TestLoadTuning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("occupied_above: 0.2\nvacant_below: 0.05\n"), 0o644))

	tu, err := loadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 0.2, tu.OccupiedAbove)
	assert.Equal(t, 0.05, tu.VacantBelow)
	assert.Equal(t, DefaultTuning().MinRegionPx, tu.MinRegionPx, "missing keys keep defaults")

	// Inverted thresholds are rejected and replaced by defaults.
	require.NoError(t, os.WriteFile(path, []byte("occupied_above: 0.01\nvacant_below: 0.5\n"), 0o644))
	tu, err = loadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTuning(), tu)
}
