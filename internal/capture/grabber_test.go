package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadBudgetClampsToWindow(t *testing.T) {
	g := NewFFmpegGrabber(10*time.Second, 30*time.Second)

	cases := []struct {
		name   string
		window time.Duration
		want   time.Duration
	}{
		{"short clip", 10 * time.Second, 10 * time.Second},
		{"window equals timeout", 30 * time.Second, 30 * time.Second},
		{"long window keeps the cap", 10 * time.Minute, 30 * time.Second},
		{"unknown window keeps the cap", 0, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, g.readBudget(tc.window), tc.name)
	}
}

func TestClassifyTransportMarkers(t *testing.T) {
	execErr := errors.New("exit status 1")

	for _, stderr := range []string{
		"[tcp @ 0x55] Connection refused",
		"Connection reset by peer",
		"RTSP: error 461 Unsupported Transport",
		"method DESCRIBE failed: Connection timed out",
	} {
		err := classify(execErr, stderr)
		assert.ErrorIs(t, err, ErrTransport, stderr)
	}
}

func TestClassifyDecodeFallback(t *testing.T) {
	err := classify(errors.New("exit status 1"), "Invalid data found when processing input")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFirstLinePicksActionableLine(t *testing.T) {
	stderr := "ffmpeg version n6.1\nbuilt with gcc\n\n[rtsp @ 0x1] Connection refused\n"
	assert.Equal(t, "[rtsp @ 0x1] Connection refused", firstLine(stderr))
	assert.Equal(t, "unknown ffmpeg error", firstLine("  \n "))
}
