package hlsd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/parkwatch/internal/hls"
)

type stubProcess struct{ done chan struct{} }

func (p *stubProcess) Done() <-chan struct{} { return p.done }
func (p *stubProcess) Kill() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

type stubSpawner struct{}

func (stubSpawner) Spawn(ctx context.Context, rtspURL, dir string) (hls.Process, error) {
	return &stubProcess{done: make(chan struct{})}, nil
}

func testServer(t *testing.T) (*httptest.Server, *hls.Manager, string) {
	t.Helper()
	root := t.TempDir()
	manager := hls.NewManager(root, stubSpawner{})
	t.Cleanup(manager.Stop)

	h := NewHandler(Config{HlsRoot: root, AllowedOrigins: []string{"*"}}, manager)
	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, manager, root
}

func TestStartStreamReturnsPlaylist(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/hls/start", "application/json",
		strings.NewReader(`{"rtsp_url":"rtsp://u:p@10.0.0.1/c1/b1/e2/replay/s1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Fingerprint string `json:"fingerprint"`
		Playlist    string `json:"playlist"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Fingerprint, 16)
	assert.Equal(t, "/hls/"+body.Fingerprint+"/index.m3u8", body.Playlist)
}

func TestStartStreamRejectsBadBody(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/hls/start", "application/json",
		strings.NewReader(`{"rtsp_url":"http://not-rtsp"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeHLSValidatesParams(t *testing.T) {
	srv, _, _ := testServer(t)

	for _, path := range []string{
		"/hls/NOT-A-FP/index.m3u8",
		"/hls/0123456789abcdef/segment.exe",
		"/hls/0123456789ABCDEF/index.m3u8",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestServeHLSDeliversSegments(t *testing.T) {
	srv, manager, root := testServer(t)

	fp, err := manager.Ensure(context.Background(), "rtsp://u:p@10.0.0.1/c1/b1/e2/replay/s1")
	require.NoError(t, err)
	dir := filepath.Join(root, fp)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00001.ts"), []byte("ts-bytes"), 0o644))

	resp, err := http.Get(srv.URL + "/hls/" + fp + "/index.m3u8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))

	resp, err = http.Get(srv.URL + "/hls/" + fp + "/segment_00001.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
}

func TestServeHLSUnknownFile(t *testing.T) {
	srv, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/hls/0123456789abcdef/index.m3u8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
