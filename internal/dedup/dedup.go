package dedup

import (
	"image"
	"image/jpeg"
	"log"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// DefaultThreshold is the Hamming distance at or below which two
// screenshots count as the same scene. Replay captures of a static
// lot land at 0-2; distinct frames of the same camera sit well above.
const DefaultThreshold = 5

// Hash computes a 64-bit difference hash of the image: downscale to
// 9x8 grayscale, then one bit per horizontal neighbor comparison.
// Robust against re-encoding and mild noise, cheap enough to run over
// a full day of screenshots.
func Hash(img image.Image) uint64 {
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var h uint64
	bit := 0
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				h |= 1 << uint(bit)
			}
			bit++
		}
	}
	return h
}

// Distance is the Hamming distance between two hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Group is one kept screenshot plus the near-identical ones behind it.
// Paths are blob-relative, matching the snapshot image_path values.
type Group struct {
	Kept       string   `json:"kept"`
	Duplicates []string `json:"duplicates"`
}

// Scanner finds duplicate screenshots inside one day directory of the
// blob root. First-seen wins; later near-matches fold into its group.
type Scanner struct {
	Root      string
	Threshold int
}

func NewScanner(root string) *Scanner {
	return &Scanner{Root: root, Threshold: DefaultThreshold}
}

// ScanDay hashes every raw screenshot of the day and groups
// near-identical ones. Annotated copies are skipped; a day with no
// directory yields an empty result.
func (s *Scanner) ScanDay(date string) ([]Group, error) {
	dir := filepath.Join(s.Root, date)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, "_detected.jpg") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var groups []Group
	var hashes []uint64
	for _, name := range names {
		img, err := decodeFile(filepath.Join(dir, name))
		if err != nil {
			log.Printf("[WARN] dedup: skip %s/%s: %v", date, name, err)
			continue
		}
		h := Hash(img)
		rel := filepath.Join(date, name)

		matched := false
		for i := range groups {
			if Distance(h, hashes[i]) <= threshold {
				groups[i].Duplicates = append(groups[i].Duplicates, rel)
				matched = true
				break
			}
		}
		if !matched {
			groups = append(groups, Group{Kept: rel})
			hashes = append(hashes, h)
		}
	}
	return groups, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jpeg.Decode(f)
}
