package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"os/exec"
	"strings"
	"time"
)

// Error kinds the engine bases its retry policy on. Transport errors
// retry, decode errors do not.
var (
	ErrTimeout   = errors.New("rtsp timeout")
	ErrTransport = errors.New("rtsp transport error")
	ErrDecode    = errors.New("frame decode error")
)

// Frame is one decoded frame plus its pixel dimensions.
type Frame struct {
	Image  image.Image
	Width  int
	Height int
	JPEG   []byte // original encoded bytes, written to blob storage as-is
}

// Grabber opens an RTSP URL and yields the first decodable frame.
type Grabber interface {
	// Grab blocks until a frame is decoded, the timeouts trip, or ctx
	// is cancelled. window is the replay window length; a short window
	// tightens the read timeout so a 10-second clip never waits the
	// full 30 seconds for a keyframe that cannot come.
	Grab(ctx context.Context, rtspURL string, window time.Duration) (*Frame, error)
	// Probe is a cheap readability check used before planning.
	Probe(ctx context.Context, rtspURL string) error
}

// FFmpegGrabber shells out to ffmpeg to pull one frame. The NVRs here
// only behave over TCP interleaved transport, and credentials in the
// URL are passed through as literal bytes.
type FFmpegGrabber struct {
	// Binary defaults to "ffmpeg".
	Binary string
	// ConnectTimeout bounds RTSP session setup.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for the first keyframe.
	ReadTimeout time.Duration
}

func NewFFmpegGrabber(connectTimeout, readTimeout time.Duration) *FFmpegGrabber {
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	return &FFmpegGrabber{Binary: "ffmpeg", ConnectTimeout: connectTimeout, ReadTimeout: readTimeout}
}

// Grab pulls the first keyframe, scaled to 1920x1080 so every stored
// screenshot lives in the reference frame regardless of stream
// resolution.
func (g *FFmpegGrabber) Grab(ctx context.Context, rtspURL string, window time.Duration) (*Frame, error) {
	deadline := g.ConnectTimeout + g.readBudget(window)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	args := []string{
		"-rtsp_transport", "tcp",
		"-stimeout", fmt.Sprintf("%d", g.ConnectTimeout.Microseconds()),
		"-i", rtspURL,
		"-frames:v", "1",
		"-vf", "scale=1920:1080",
		"-q:v", "2",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, g.binary(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: no keyframe within %s", ErrTimeout, deadline)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, classify(err, stderr.String())
	}

	raw := stdout.Bytes()
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	return &Frame{Image: img, Width: b.Dx(), Height: b.Dy(), JPEG: raw}, nil
}

// Probe runs a 1-second null decode, the same check the planner uses
// as its warn-only pre-flight.
func (g *FFmpegGrabber) Probe(ctx context.Context, rtspURL string) error {
	runCtx, cancel := context.WithTimeout(ctx, g.ConnectTimeout+2*time.Second)
	defer cancel()

	args := []string{
		"-rtsp_transport", "tcp",
		"-stimeout", fmt.Sprintf("%d", g.ConnectTimeout.Microseconds()),
		"-i", rtspURL,
		"-t", "1",
		"-f", "null", "-",
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, g.binary(), args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: probe timed out", ErrTimeout)
		}
		return classify(err, stderr.String())
	}
	return nil
}

// readBudget clamps the keyframe wait to the replay window length.
func (g *FFmpegGrabber) readBudget(window time.Duration) time.Duration {
	if window > 0 && window < g.ReadTimeout {
		return window
	}
	return g.ReadTimeout
}

func (g *FFmpegGrabber) binary() string {
	if g.Binary != "" {
		return g.Binary
	}
	return "ffmpeg"
}

// classify buckets ffmpeg failures into the engine's taxonomy based
// on its stderr. Anything that looks like a network-level fault is
// transport (retryable); the rest is a decoder failure.
func classify(err error, stderr string) error {
	s := strings.ToLower(stderr)
	transport := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"no route to host",
		"network is unreachable",
		"host is unreachable",
		"timed out",
		"broken pipe",
		"461", // unsupported transport
		"5xx server error",
	}
	for _, marker := range transport {
		if strings.Contains(s, marker) {
			return fmt.Errorf("%w: %s", ErrTransport, firstLine(stderr))
		}
	}
	if strings.Contains(s, "immediate exit requested") {
		return fmt.Errorf("%w: cancelled", ErrTimeout)
	}
	log.Printf("[WARN] ffmpeg decode failure: %v (%s)", err, firstLine(stderr))
	return fmt.Errorf("%w: %s", ErrDecode, firstLine(stderr))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	// ffmpeg dumps banners first; the actionable line is usually last.
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l != "" {
			if len(l) > 300 {
				l = l[:300]
			}
			return l
		}
	}
	return "unknown ffmpeg error"
}
