package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"loraframe/studio/internal/model"
)

func (s *Server) listTimeline(c *gin.Context) {
	scenes := s.store.Scenes()
	if kind := model.SceneKind(strings.ToLower(c.Query("kind"))); kind != "" {
		filtered := scenes[:0]
		for _, sc := range scenes {
			if sc.Kind == kind {
				filtered = append(filtered, sc)
			}
		}
		scenes = filtered
	}
	if limit := parseIntDefault(c.Query("limit"), 0); limit > 0 && limit < len(scenes) {
		scenes = scenes[:limit]
	}
	writeData(c, http.StatusOK, gin.H{
		"items": scenes,
		"total": len(scenes),
	})
}

// removeScene deletes by scene id or by job id.
func (s *Server) removeScene(c *gin.Context) {
	id := c.Param("scene_id")
	removed := s.store.RemoveScene(id)
	if removed == 0 {
		writeError(c, http.StatusNotFound, "SCENE_NOT_FOUND", "Scene not found", false, nil)
		return
	}
	total := s.store.SceneCount()
	if s.metrics != nil {
		s.metrics.TimelineScenes.Set(float64(total))
	}
	s.hub.Publish(model.EventSceneRemoved, map[string]any{"id": id, "removed": removed})
	writeData(c, http.StatusOK, gin.H{"removed": removed, "total": total})
}

func (s *Server) listLogs(c *gin.Context) {
	logs := s.store.Logs()
	if limit := parseIntDefault(c.Query("limit"), 0); limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		lines = append(lines, l.String())
	}
	writeData(c, http.StatusOK, gin.H{
		"items": logs,
		"lines": lines,
	})
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	var n int
	_, err := fmt.Sscanf(raw, "%d", &n)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
