package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
)

const maxUploadBytes = 64 << 20 // 64MiB

func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	deploymentID := r.FormValue("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}
	if len(content) > maxUploadBytes {
		writeError(w, http.StatusBadRequest, "upload exceeds maximum size")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	artifact, err := s.artifacts.Save(deploymentID, header.Filename, contentType, content)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, content, err := s.artifacts.Get(id)
	if err != nil {
		if apperr.Is(err, apperr.CorruptStore) {
			writeError(w, http.StatusNotFound, "artifact not found: "+id)
			return
		}
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, meta.Filename))
	w.Header().Set("X-Artifact-ID", meta.ID)
	w.Header().Set("X-Artifact-SHA256", meta.SHA256)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.URL.Query().Get("deployment_id")
	limit := 100
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	artifacts, err := s.artifacts.List(deploymentID, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

func (s *Server) handleArtifactDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.artifacts.Delete(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleArtifactCommit is the endpoint for pushing a deployment's artifacts
// to an external VCS. Per the decision recorded in the design ledger, this
// control plane does not embed a git implementation, so nothing is pushed:
// without GITHUB_TOKEN it responds 400, and with it 500 "not implemented".
func (s *Server) handleArtifactCommit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.GitHubToken == "" {
		writeError(w, http.StatusBadRequest, "GITHUB_TOKEN is not configured")
		return
	}
	writeError(w, http.StatusInternalServerError, "artifact commit is not implemented in this deployment")
}
