package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"example.com/fitsgate/internal/fits"
)

// Captures with many image extensions reach gigabytes; anything larger
// than this is rejected outright.
const maxUploadBytes = 2 << 30

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	if r.MultipartForm == nil {
		http.Error(w, "no files provided", http.StatusBadRequest)
		return
	}
	var refs []ArtifactRef
	for _, parts := range r.MultipartForm.File {
		for _, part := range parts {
			ref, err := s.storeUpload(part)
			if err != nil {
				http.Error(w, fmt.Sprintf("store upload %s: %v", part.Filename, err), http.StatusBadRequest)
				return
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	resp := struct {
		Files []ArtifactRef `json:"files"`
	}{Files: refs}
	writeJSON(w, http.StatusOK, resp)
}

// storeUpload spools one multipart part into the uploads directory. The
// leading bytes must probe as a FITS stream; everything else is refused
// before the copy starts.
func (s *Server) storeUpload(part *multipart.FileHeader) (ArtifactRef, error) {
	if part == nil {
		return ArtifactRef{}, fmt.Errorf("nil file header")
	}
	src, err := part.Open()
	if err != nil {
		return ArtifactRef{}, err
	}
	defer src.Close()

	head := make([]byte, fits.BlockSize)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return ArtifactRef{}, err
	}
	if !fits.Probe(head[:n]) {
		return ArtifactRef{}, fmt.Errorf("not a FITS stream")
	}

	dst, err := os.CreateTemp(s.uploadsDir, uploadPattern(part.Filename))
	if err != nil {
		return ArtifactRef{}, err
	}
	if _, err := dst.Write(head[:n]); err == nil {
		_, err = io.Copy(dst, src)
	}
	if err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return ArtifactRef{}, err
	}
	dst.Close()

	art, err := s.addArtifact(dst.Name(), part.Filename, guessContentType(part.Filename), "upload")
	if err != nil {
		return ArtifactRef{}, err
	}
	return toRef(art), nil
}

func uploadPattern(filename string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return "upload-*" + ext
	}
	return "upload-*"
}
