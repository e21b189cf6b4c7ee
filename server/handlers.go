package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/version"
)

type versionResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ChangeSetID string `json:"change_set_id"`
	Active      bool   `json:"active"`
}

type fileResponse struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
	Size   int    `json:"size"`
}

type proposalResponse struct {
	ID              string `json:"id"`
	SourceVersionID string `json:"source_version_id"`
	TargetVersionID string `json:"target_version_id"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

type createVersionRequest struct {
	Name          string `json:"name"`
	FromVersionID string `json:"from_version_id"`
}

type createProposalRequest struct {
	SourceVersionID string `json:"source_version_id"`
	TargetVersionID string `json:"target_version_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	versions, err := s.ws.Versions().List(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	activeID := ""
	if active, err := s.ws.Versions().Active(ctx); err == nil {
		activeID = active.ID
	}

	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersionResponse(v, activeID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.FromVersionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from_version_id is required"})
		return
	}

	created, err := s.ws.Versions().Create(r.Context(), version.CreateVersionOptions{
		Name:          req.Name,
		FromVersionID: req.FromVersionID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVersionResponse(created, ""))
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.ws.Versions().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	activeID := ""
	if active, err := s.ws.Versions().Active(r.Context()); err == nil {
		activeID = active.ID
	}
	writeJSON(w, http.StatusOK, toVersionResponse(v, activeID))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	states, err := s.ws.StateAt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]fileResponse, 0, len(states))
	for _, state := range states {
		out = append(out, fileResponse{
			FileID: state.FileID,
			Path:   state.Path,
			Size:   len(state.Data),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.ws.FileAt(r.Context(), r.PathValue("id"), r.PathValue("fileID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if data == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file is not visible at this version"})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.ws.Versions().ListProposals(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]proposalResponse, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, toProposalResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	proposal, err := s.ws.Versions().CreateProposal(r.Context(), req.SourceVersionID, req.TargetVersionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(proposal))
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ws.AcceptProposal(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeProposal(w, r, id)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ws.RejectProposal(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeProposal(w, r, id)
}

func (s *Server) writeProposal(w http.ResponseWriter, r *http.Request, id string) {
	proposal, err := s.ws.Versions().GetProposal(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(proposal))
}

func toVersionResponse(v *version.Version, activeID string) versionResponse {
	return versionResponse{
		ID:          v.ID,
		Name:        v.Name,
		ChangeSetID: v.ChangeSetID,
		Active:      activeID != "" && v.ID == activeID,
	}
}

func toProposalResponse(p *version.Proposal) proposalResponse {
	return proposalResponse{
		ID:              p.ID,
		SourceVersionID: p.SourceVersionID,
		TargetVersionID: p.TargetVersionID,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var invalidState *plaiterrors.InvalidProposalStateError
	var duplicateName *plaiterrors.DuplicateVersionNameError
	var duplicatePath *plaiterrors.DuplicateFilePathError

	switch {
	case plaiterrors.IsDangling(err):
		status = http.StatusNotFound
	case errors.As(err, &invalidState):
		status = http.StatusConflict
	case errors.As(err, &duplicateName):
		status = http.StatusConflict
	case errors.As(err, &duplicatePath):
		status = http.StatusConflict
	case errors.Is(err, plaiterrors.ErrSourceEqualsTarget):
		status = http.StatusBadRequest
	case errors.Is(err, plaiterrors.ErrNoActiveVersion):
		status = http.StatusConflict
	case errors.Is(err, plaiterrors.ErrWorkspaceClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
