package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/fitsgate/internal/checks"
	"example.com/fitsgate/internal/fits"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	s, err := NewServer(Options{StorageDir: t.TempDir(), Concurrency: 2})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, NewRouter(s)
}

func sampleFITS(t *testing.T) []byte {
	t.Helper()
	img := fits.NewRaster(4, 2, fits.FormatGray8)
	copy(img.Pix8[0], []uint8{0, 32, 64, 96, 128, 160, 192, 255})
	block, err := fits.EncodeBlock(img, true)
	if err != nil {
		t.Fatalf("EncodeBlock failed: %v", err)
	}
	return block
}

func writeSample(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.fits")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUploadAndInspect(t *testing.T) {
	_, h := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "sample.fits")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := fw.Write(sampleFITS(t)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	var up struct {
		Files []ArtifactRef `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(up.Files) != 1 {
		t.Fatalf("uploaded files = %d, want 1", len(up.Files))
	}

	rec = postJSON(t, h, "/inspect", map[string]any{"input": up.Files[0].ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("inspect status = %d: %s", rec.Code, rec.Body.String())
	}
	var ins struct {
		Frames []struct {
			Kind   string `json:"kind"`
			Bitpix int    `json:"bitpix"`
			Axes   []int  `json:"axes"`
			Image  bool   `json:"image"`
		} `json:"frames"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ins); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if ins.Error != "" {
		t.Fatalf("inspect error: %s", ins.Error)
	}
	if len(ins.Frames) != 1 || ins.Frames[0].Kind != "primary" || !ins.Frames[0].Image {
		t.Fatalf("frames = %+v", ins.Frames)
	}
	if ins.Frames[0].Bitpix != 8 || len(ins.Frames[0].Axes) != 2 {
		t.Fatalf("frame shape = %+v", ins.Frames[0])
	}
}

func TestUploadRejectsNonFITS(t *testing.T) {
	_, h := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := fw.Write([]byte("this is not an astronomical image")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("upload status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not a FITS stream") {
		t.Fatalf("upload error = %q", rec.Body.String())
	}
}

func TestCheckEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	path := writeSample(t, sampleFITS(t))

	rec := postJSON(t, h, "/check", map[string]any{"inputs": []string{path}})
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []struct {
			Acceptance checks.AcceptanceReport `json:"acceptance"`
			Artifacts  []ArtifactRef           `json:"artifacts"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("result count = %d, want 1", len(resp.Results))
	}
	if !resp.Results[0].Acceptance.Summary.Pass {
		t.Fatalf("clean stream did not pass: %+v", resp.Results[0].Acceptance)
	}
	if len(resp.Results[0].Artifacts) != 3 {
		t.Fatalf("artifact count = %d, want 3", len(resp.Results[0].Artifacts))
	}

	// Artifacts must be downloadable afterwards.
	req := httptest.NewRequest(http.MethodGet, "/artifacts/"+resp.Results[0].Artifacts[0].ID, nil)
	dl := httptest.NewRecorder()
	h.ServeHTTP(dl, req)
	if dl.Code != http.StatusOK {
		t.Fatalf("download status = %d", dl.Code)
	}
	if dl.Body.Len() == 0 {
		t.Fatalf("downloaded artifact is empty")
	}
}

func TestCheckEndpointStreaming(t *testing.T) {
	_, h := newTestServer(t)
	path := writeSample(t, sampleFITS(t))

	rec := postJSON(t, h, "/check?stream=true", map[string]any{"inputs": []string{path}})
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("line count = %d, want at least 2", len(lines))
	}
	if !strings.Contains(lines[len(lines)-1], "\"acceptance\"") {
		t.Fatalf("last line is not the acceptance summary: %q", lines[len(lines)-1])
	}
}

func TestConvertEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	path := writeSample(t, sampleFITS(t))

	rec := postJSON(t, h, "/convert", map[string]any{"input": path, "frame": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("convert status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Width    int         `json:"width"`
		Height   int         `json:"height"`
		Format   string      `json:"format"`
		Artifact ArtifactRef `json:"artifact"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Width != 4 || resp.Height != 2 || resp.Format != "gray8" {
		t.Fatalf("convert result = %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/artifacts/"+resp.Artifact.ID, nil)
	dl := httptest.NewRecorder()
	h.ServeHTTP(dl, req)
	if dl.Code != http.StatusOK {
		t.Fatalf("download status = %d", dl.Code)
	}
	if !bytes.HasPrefix(dl.Body.Bytes(), []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("artifact is not a PNG")
	}
}

func TestManifestEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	path := writeSample(t, sampleFITS(t))

	rec := postJSON(t, h, "/manifest", map[string]any{"inputs": []string{path}})
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Manifest struct {
			Items []struct {
				Type   string `json:"type"`
				Sha256 string `json:"sha256"`
			} `json:"items"`
		} `json:"manifest"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(resp.Manifest.Items) != 1 || resp.Manifest.Items[0].Type != "fits" {
		t.Fatalf("manifest items = %+v", resp.Manifest.Items)
	}
	if len(resp.Manifest.Items[0].Sha256) != 64 {
		t.Fatalf("digest length = %d", len(resp.Manifest.Items[0].Sha256))
	}
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\"ok\"") {
		t.Fatalf("healthz body = %s", rec.Body.String())
	}
}

func TestMethodGuards(t *testing.T) {
	_, h := newTestServer(t)
	for _, path := range []string{"/inspect", "/check", "/convert", "/manifest", "/upload"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s GET status = %d, want 405", path, rec.Code)
		}
	}
}
