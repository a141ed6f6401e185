package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// studioState is what the UI needs on load: whether a generation is
// running, the selected character and how to talk to the event stream.
func (s *Server) studioState(c *gin.Context) {
	selected := ""
	if ch, ok := s.store.Selected(); ok {
		selected = ch.ID
	}
	writeData(c, http.StatusOK, gin.H{
		"generating":            s.jobs.Generating() > 0,
		"in_flight":             s.jobs.Generating(),
		"selected_character_id": selected,
		"default_mode":          s.opts.DefaultMode,
		"timeline_size":         s.store.SceneCount(),
		"sse": gin.H{
			"heartbeat_sec": int(sseHeartbeat.Seconds()),
			"retry_ms":      2000,
		},
	})
}
