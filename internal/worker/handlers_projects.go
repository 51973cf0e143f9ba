package worker

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/archive"
	"github.com/thebtf/cohive/internal/envelope"
	"github.com/thebtf/cohive/pkg/models"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

type addUsersRequest struct {
	ProjectID string   `json:"projectId"`
	Users     []string `json:"users"`
}

type downloadTreeRequest struct {
	FileTree *envelope.FileTree `json:"fileTree"`
	ZipName  string             `json:"zipName"`
}

func (s *Service) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}

	project, err := s.projects.CreateProject(r.Context(), name, currentUser(r).ID)
	if errors.Is(err, models.ErrConflict) {
		writeError(w, http.StatusConflict, "Project name must be unique")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to create project")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	log.Info().Str("projectId", project.ID.String()).Str("name", project.Name).Msg("Project created")
	writeJSON(w, http.StatusCreated, project)
}

func (s *Service) handleAllProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.ListProjectsByUser(r.Context(), currentUser(r).ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list projects")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Service) handleAddUsers(w http.ResponseWriter, r *http.Request) {
	var req addUsersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid projectId")
		return
	}
	if len(req.Users) == 0 {
		writeError(w, http.StatusBadRequest, "Users must be a non-empty array")
		return
	}
	userIDs := make([]uuid.UUID, 0, len(req.Users))
	for _, raw := range req.Users {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid userId %q", raw))
			return
		}
		userIDs = append(userIDs, id)
	}

	project, err := s.projects.AddMembers(r.Context(), projectID, currentUser(r).ID, userIDs)
	switch {
	case errors.Is(err, models.ErrForbidden):
		writeError(w, http.StatusForbidden, "User not belong to this project")
		return
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Project or user not found")
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to add users")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

// memberProject resolves the {projectId} path parameter and checks that
// the caller belongs to it. It writes the error response itself.
func (s *Service) memberProject(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "projectId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid projectId")
		return nil, false
	}
	project, err := s.projects.FindProjectByID(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Project not found")
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load project")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return nil, false
	}
	if !project.HasMemberID(currentUser(r).ID) {
		writeError(w, http.StatusForbidden, "Not a project member")
		return nil, false
	}
	return project, true
}

func (s *Service) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

// handleDownloadProject zips the project workspace.
func (s *Service) handleDownloadProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}

	dir := s.runtime.Workdir(project.RoomID())
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeError(w, http.StatusNotFound, "Project folder not found")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", archive.FileName("project_"+project.RoomID(), "project")))
	if err := archive.WriteDir(w, dir); err != nil {
		// Headers are gone already; the client sees a truncated archive.
		log.Error().Err(err).Str("projectId", project.RoomID()).Msg("Failed to stream project archive")
	}
}

// handleDownloadTree zips a file tree sent by the client.
func (s *Service) handleDownloadTree(w http.ResponseWriter, r *http.Request) {
	var req downloadTreeRequest
	if err := decodeJSON(r, &req); err != nil || req.FileTree == nil {
		writeError(w, http.StatusBadRequest, "Invalid file tree")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", archive.FileName(req.ZipName, "project")))
	if err := archive.WriteTree(w, *req.FileTree); err != nil {
		log.Error().Err(err).Msg("Failed to stream file tree archive")
	}
}
