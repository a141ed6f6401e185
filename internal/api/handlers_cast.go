package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"loraframe/studio/internal/cast"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/store"
)

const maxUploadMemory = 32 << 20

func (s *Server) listCharacters(c *gin.Context) {
	chars, err := s.cast.Refresh(c.Request.Context())
	if err != nil {
		writeUpstreamError(c, err, "CAST_UNAVAILABLE", "Could not load neural cast")
		return
	}
	selected := ""
	if ch, ok := s.store.Selected(); ok {
		selected = ch.ID
	}
	writeData(c, http.StatusOK, gin.H{
		"items":       chars,
		"selected_id": selected,
	})
}

// createCharacter takes the same multipart form the generation API does:
// name, description and one or more files.
func (s *Server) createCharacter(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form", false, nil)
		return
	}
	form := c.Request.MultipartForm
	in := provider.CreateCharacterInput{
		Name:        c.Request.FormValue("name"),
		Description: c.Request.FormValue("description"),
	}

	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_FILE", "Could not read uploaded file", false, map[string]any{"file": fh.Filename})
			return
		}
		opened = append(opened, f)
		in.Files = append(in.Files, provider.UploadFile{Name: fh.Filename, Content: f})
	}

	ch, err := s.cast.Create(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, cast.ErrMissingName) {
			writeError(c, http.StatusBadRequest, "MISSING_NAME", "Character name is required", false, nil)
			return
		}
		writeUpstreamError(c, err, "CREATE_CHARACTER_FAILED", "Failed to create character")
		return
	}
	writeData(c, http.StatusCreated, ch)
}

type updateCharacterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) updateCharacter(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req updateCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid character payload", false, nil)
		return
	}
	id := c.Param("character_id")
	if err := s.cast.Update(c.Request.Context(), id, req.Name, req.Description); err != nil {
		if errors.Is(err, cast.ErrMissingName) {
			writeError(c, http.StatusBadRequest, "MISSING_NAME", "Character name is required", false, nil)
			return
		}
		writeUpstreamError(c, err, "UPDATE_CHARACTER_FAILED", "Failed to update character")
		return
	}
	ch, err := s.store.Character(id)
	if err != nil {
		writeData(c, http.StatusOK, gin.H{"id": id})
		return
	}
	writeData(c, http.StatusOK, ch)
}

func (s *Server) deleteCharacter(c *gin.Context) {
	id := c.Param("character_id")
	if err := s.cast.Delete(c.Request.Context(), id); err != nil {
		writeUpstreamError(c, err, "DELETE_CHARACTER_FAILED", "Failed to delete character")
		return
	}
	writeData(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}

func (s *Server) selectCharacter(c *gin.Context) {
	ch, err := s.cast.Select(c.Param("character_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "CHARACTER_NOT_FOUND", "Character not found", false, nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "SELECT_FAILED", "Failed to select character", false, nil)
		return
	}
	writeData(c, http.StatusOK, ch)
}

func (s *Server) repairCharacter(c *gin.Context) {
	st, err := s.cast.Repair(c.Request.Context(), c.Param("character_id"))
	if err != nil {
		writeUpstreamError(c, err, "REPAIR_FAILED", "Failed to repair memory")
		return
	}
	writeData(c, http.StatusOK, st)
}

func (s *Server) memoryStatus(c *gin.Context) {
	force := c.Query("force") == "true"
	st, ok := s.cast.CheckHealth(c.Request.Context(), c.Param("character_id"), force)
	if !ok {
		writeError(c, http.StatusServiceUnavailable, "MEMORY_STATUS_UNAVAILABLE", "Memory status unavailable", true, nil)
		return
	}
	writeData(c, http.StatusOK, st)
}

func (s *Server) memoryStatusAll(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{"items": s.cast.HealthAll(c.Request.Context())})
}

func (s *Server) characterHistory(c *gin.Context) {
	items := s.cast.History(c.Request.Context(), c.Param("character_id"))
	writeData(c, http.StatusOK, gin.H{"items": items, "total": len(items)})
}

type updateMemoryRequest struct {
	CharacterID string     `json:"character_id"`
	Notes       string     `json:"notes"`
	Tags        model.Tags `json:"tags"`
}

func (s *Server) updateMemory(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req updateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid memory payload", false, nil)
		return
	}
	characterID := firstNonEmpty(req.CharacterID, c.Query("character_id"))
	items, err := s.cast.EditMemory(c.Request.Context(), characterID, c.Param("memory_id"), req.Notes, req.Tags)
	if err != nil {
		writeUpstreamError(c, err, "UPDATE_MEMORY_FAILED", "Failed to update memory")
		return
	}
	writeData(c, http.StatusOK, gin.H{"items": items})
}

func (s *Server) deleteMemory(c *gin.Context) {
	id := c.Param("memory_id")
	if err := s.cast.DeleteMemory(c.Request.Context(), c.Query("character_id"), id); err != nil {
		writeUpstreamError(c, err, "DELETE_MEMORY_FAILED", "Failed to delete memory")
		return
	}
	writeData(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
