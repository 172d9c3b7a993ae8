package server

import "net/http"

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/inspect", s.handleInspect)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/convert", s.handleConvert)
	mux.HandleFunc("/manifest", s.handleManifest)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/artifacts/", s.handleArtifactDownload)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}
