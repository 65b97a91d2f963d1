package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
	"github.com/knoguchi/ragpipe/internal/llm"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

type titleRequest struct {
	Question string `json:"question"`
}

type chatRequest struct {
	Prompt   string               `json:"prompt"`
	History  []llm.Message        `json:"history"`
	Docs     []retriever.Document `json:"docs"`
	Datasets []string             `json:"datasets"`
}

type chatResponse struct {
	Reply      string               `json:"reply"`
	History    []llm.Message        `json:"history"`
	Documents  []retriever.Document `json:"documents"`
	Rewritten  *string              `json:"rewritten"`
	Question   string               `json:"question"`
	FetchedNew bool                 `json:"fetched_new_documents"`
}

type filenameRequest struct {
	Filename string `json:"filename"`
}

type configUpdateRequest struct {
	Config       map[string]string `json:"config"`
	Reinitialize bool              `json:"reinitialize"`
}

func (s *Server) handleCreateTitle(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	title, err := s.pipe.Title(r.Context(), req.Question)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.logger.Info("title generated", "question", req.Question, "title", title)
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.pipe.Chat(r.Context(), s.opts.Current(), req.Prompt, req.History, req.Datasets)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	documents := res.Documents
	if !res.FetchedNew {
		documents = req.Docs
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:      res.Reply,
		History:    res.History,
		Documents:  documents,
		Rewritten:  res.Rewritten,
		Question:   res.Question,
		FetchedNew: res.FetchedNew,
	})
}

func (s *Server) handleGetDocuments(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.GetAllDocumentNames(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	var req filenameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := s.resolveDataPath(req.Filename)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req filenameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := s.resolveDataPath(req.Filename)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	if err := os.Remove(path); err != nil {
		s.writeAppError(w, err)
		return
	}
	count, err := s.store.Delete(r.Context(), []string{path})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file part in the request")
		return
	}
	defer file.Close()

	dataset := r.FormValue("dataset")
	if dataset == "" {
		writeError(w, http.StatusBadRequest, "No dataset in the request")
		return
	}
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}

	snap := s.opts.Current()
	dataDir := snap.GetOr(config.KeyDataDirectory, "data")
	path, err := containedPath(dataDir, filepath.Join(dataset, header.Filename))
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	if err := saveUpload(file, path); err != nil {
		s.writeAppError(w, err)
		return
	}
	if err := s.ingest.IngestFile(r.Context(), snap, path); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": path, "dataset": dataset})
}

func (s *Server) handleGetDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.store.GetDatasets(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if datasets == nil {
		datasets = []string{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Current().Map())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "No config values provided")
		return
	}

	updated, err := s.opts.Update(req.Config)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if req.Reinitialize {
		if err := s.pipe.Reload(s.opts.Current()); err != nil {
			s.writeAppError(w, err)
			return
		}
		s.logger.Info("pipeline reinitialized", "updated", updated)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "updated": updated})
}

// resolveDataPath joins filename onto the data directory, rejecting paths
// that escape it.
func (s *Server) resolveDataPath(filename string) (string, error) {
	dataDir := s.opts.Current().GetOr(config.KeyDataDirectory, "data")
	return containedPath(dataDir, filename)
}

// containedPath joins rel onto root and verifies the result stays inside.
func containedPath(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", apperr.New(apperr.BadRequest, "path escapes the data directory")
	}
	return filepath.Join(root, rel), nil
}

// saveUpload writes the multipart file to path, creating directories.
func saveUpload(file multipart.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return err
	}
	return out.Close()
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps classified errors to HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.BadRequest, apperr.ConfigInvalid:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	var appErr *apperr.Error
	msg := err.Error()
	if errors.As(err, &appErr) {
		msg = appErr.Err.Error()
	}
	writeError(w, status, msg)
}
