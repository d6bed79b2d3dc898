package hls

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// FFmpegSpawner transcodes an RTSP stream to a low-latency HLS
// playlist with a rolling segment window.
type FFmpegSpawner struct {
	// Binary defaults to "ffmpeg".
	Binary string
}

type ffmpegProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Kill() error {
	var err error
	p.once.Do(func() {
		// SIGTERM lets ffmpeg finalize the playlist; the kernel
		// reaps it if it ignores us.
		if p.cmd.Process != nil {
			err = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
	return err
}

func (s *FFmpegSpawner) Spawn(ctx context.Context, rtspURL, dir string) (Process, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-pix_fmt", "yuv420p",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-an",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(dir, "segment_%05d.ts"),
		filepath.Join(dir, "index.m3u8"),
	}
	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("[INFO] hls ffmpeg exited: %v", err)
		}
		close(p.done)
	}()
	return p, nil
}
