package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/fitsgate/internal/checks"
	"example.com/fitsgate/internal/fits"
	"example.com/fitsgate/internal/manifest"
	"example.com/fitsgate/internal/report"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced
// by inspection requests.
type Server struct {
	artifacts   *ArtifactStore
	workDir     string
	uploadsDir  string
	concurrency int
	blankValue  uint16
}

// Options configures server creation.
type Options struct {
	StorageDir  string
	Concurrency int
	BlankValue  uint16
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "fitsd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	s := &Server{
		artifacts:   &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:     workDir,
		uploadsDir:  uploadsDir,
		concurrency: concurrency,
		blankValue:  opts.BlankValue,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	abs := token
	if !filepath.IsAbs(token) {
		abs = filepath.Clean(token)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// frameSummary is the public shape of one indexed frame.
type frameSummary struct {
	Offset    int64             `json:"offset"`
	Kind      string            `json:"kind"`
	Bitpix    int               `json:"bitpix"`
	Axes      []int             `json:"axes"`
	DataBytes int64             `json:"dataBytes"`
	Image     bool              `json:"image"`
	Warnings  []string          `json:"warnings,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}

	sc, err := fits.NewScanner(inputPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("open input: %v", err), http.StatusBadRequest)
		return
	}
	defer sc.Close()

	var frames []frameSummary
	var scanErr string
	for {
		h, idx, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			scanErr = err.Error()
			break
		}
		meta := make(map[string]string, h.Meta.Len())
		for _, k := range h.Meta.Keys() {
			v, _ := h.Meta.Get(k)
			meta[k] = v
		}
		frames = append(frames, frameSummary{
			Offset:    idx.Offset,
			Kind:      frameKind(idx),
			Bitpix:    idx.Bitpix,
			Axes:      idx.Axes,
			DataBytes: idx.DataBytes,
			Image:     idx.Image,
			Warnings:  idx.Warnings,
			Metadata:  meta,
		})
	}
	resp := struct {
		File   string         `json:"file"`
		Frames []frameSummary `json:"frames"`
		Error  string         `json:"error,omitempty"`
	}{File: req.Input, Frames: frames, Error: scanErr}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req struct {
		Inputs []string `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	paths := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		p, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths[i] = p
	}

	// Inputs are independent streams, so they are checked in parallel up to
	// the configured worker count.
	type result struct {
		engine *checks.Engine
		ctx    *checks.Context
		diags  []checks.Diagnostic
		rep    checks.AcceptanceReport
		err    error
	}
	results := make([]result, len(paths))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			engine := checks.NewEngine()
			ctx := &checks.Context{InputFile: p, BlankValue: s.blankValue}
			diags, err := engine.Eval(ctx)
			results[i] = result{engine: engine, ctx: ctx, diags: diags, rep: engine.MakeAcceptance(), err: err}
		}(i, p)
	}
	wg.Wait()
	for _, res := range results {
		if res.err != nil {
			http.Error(w, fmt.Sprintf("eval: %v", res.err), http.StatusInternalServerError)
			return
		}
	}

	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		writer := NewNDJSONWriter(w)
		for _, res := range results {
			for _, d := range res.diags {
				if err := writer.WriteDiagnostic(d); err != nil {
					return
				}
			}
			_ = writer.WriteObject(map[string]any{"type": "acceptance", "file": res.ctx.InputFile, "acceptance": res.rep})
		}
		return
	}

	type fileResult struct {
		File        string                  `json:"file"`
		Acceptance  checks.AcceptanceReport `json:"acceptance"`
		Diagnostics int                     `json:"diagnostics"`
		Artifacts   []ArtifactRef           `json:"artifacts"`
	}
	out := make([]fileResult, 0, len(results))
	for i, res := range results {
		arts, err := s.saveCheckArtifacts(res.engine, res.rep, res.ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, fileResult{
			File:        req.Inputs[i],
			Acceptance:  res.rep,
			Diagnostics: len(res.diags),
			Artifacts:   arts,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Results []fileResult `json:"results"`
	}{Results: out})
}

func (s *Server) saveCheckArtifacts(engine *checks.Engine, rep checks.AcceptanceReport, ctx *checks.Context) ([]ArtifactRef, error) {
	diagPath, err := s.tempPath("diagnostics-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("diagnostics temp: %w", err)
	}
	if err := engine.WriteDiagnosticsNDJSON(diagPath); err != nil {
		return nil, fmt.Errorf("write diagnostics: %w", err)
	}
	accPath, err := s.tempPath("acceptance-*.json")
	if err != nil {
		return nil, fmt.Errorf("acceptance temp: %w", err)
	}
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		return nil, fmt.Errorf("write acceptance: %w", err)
	}
	pdfPath, err := s.tempPath("inspection-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("pdf temp: %w", err)
	}
	var idx fits.FileIndex
	if ctx.Index != nil {
		idx = *ctx.Index
	}
	if err := report.SaveInspectionPDF(rep, idx, pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	diagArt, err := s.addArtifact(diagPath, "diagnostics.ndjson", "application/x-ndjson", "diagnostics")
	if err != nil {
		return nil, fmt.Errorf("register diagnostics: %w", err)
	}
	accArt, err := s.addArtifact(accPath, "acceptance_report.json", "application/json", "acceptance")
	if err != nil {
		return nil, fmt.Errorf("register acceptance: %w", err)
	}
	pdfArt, err := s.addArtifact(pdfPath, "inspection_report.pdf", "application/pdf", "acceptance")
	if err != nil {
		return nil, fmt.Errorf("register pdf: %w", err)
	}
	return []ArtifactRef{toRef(diagArt), toRef(accArt), toRef(pdfArt)}, nil
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Input string `json:"input"`
		Frame int    `json:"frame"`
		Blank uint16 `json:"blank"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	inputPath, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}

	sc, err := fits.NewScanner(inputPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("open input: %v", err), http.StatusBadRequest)
		return
	}
	defer sc.Close()

	blank := req.Blank
	if blank == 0 {
		blank = s.blankValue
	}
	var img *fits.Image
	for i := 0; ; i++ {
		img, err = sc.NextImage(fits.DecodeOptions{BlankValue: blank})
		if err != nil {
			if errors.Is(err, io.EOF) {
				http.Error(w, fmt.Sprintf("no image frame %d", req.Frame), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusUnprocessableEntity)
			return
		}
		if i == req.Frame {
			break
		}
	}

	outPath, err := s.tempPath("frame-*.png")
	if err != nil {
		http.Error(w, fmt.Sprintf("output temp: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Create(outPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("create output: %v", err), http.StatusInternalServerError)
		return
	}
	if err := png.Encode(f, img.ToImage()); err != nil {
		f.Close()
		http.Error(w, fmt.Sprintf("encode png: %v", err), http.StatusInternalServerError)
		return
	}
	f.Close()
	name := fmt.Sprintf("%s-frame%d.png", strings.TrimSuffix(filepath.Base(req.Input), filepath.Ext(req.Input)), req.Frame)
	art, err := s.addArtifact(outPath, name, "image/png", "convert")
	if err != nil {
		http.Error(w, fmt.Sprintf("register output: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Width    int         `json:"width"`
		Height   int         `json:"height"`
		Format   string      `json:"format"`
		Artifact ArtifactRef `json:"artifact"`
	}{
		Width:    img.Width,
		Height:   img.Height,
		Format:   img.Format.String(),
		Artifact: toRef(art),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Inputs  []string `json:"inputs"`
		ShaAlgo string   `json:"shaAlgo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	if req.ShaAlgo != "" && !strings.EqualFold(req.ShaAlgo, "sha256") {
		http.Error(w, "only sha256 supported", http.StatusBadRequest)
		return
	}
	var paths []string
	for _, in := range req.Inputs {
		resolved, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths = append(paths, resolved)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		http.Error(w, fmt.Sprintf("build manifest: %v", err), http.StatusInternalServerError)
		return
	}
	outPath, err := s.tempPath("manifest-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("manifest temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := manifest.Save(m, outPath); err != nil {
		http.Error(w, fmt.Sprintf("write manifest: %v", err), http.StatusInternalServerError)
		return
	}
	art, err := s.addArtifact(outPath, "manifest.json", "application/json", "manifest")
	if err != nil {
		http.Error(w, fmt.Sprintf("register manifest: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Manifest manifest.Manifest `json:"manifest"`
		Artifact ArtifactRef       `json:"artifact"`
	}{
		Manifest: m,
		Artifact: toRef(art),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	io.Copy(w, f)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"concurrency": s.concurrency,
	})
}

func frameKind(idx fits.FrameIndex) string {
	switch {
	case idx.Groups:
		return "groups"
	case idx.RGB:
		return "color image"
	case idx.Extension && idx.Image:
		return "image extension"
	case idx.Extension:
		return "other extension"
	default:
		return "primary"
	}
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".fits", ".fit", ".fts":
		return "application/fits"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
