// Package providertest runs an in-process fake of the remote generation API
// with scripted job outcomes.
package providertest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"loraframe/studio/internal/model"
)

// Operation names accepted by Fail and Calls.
const (
	OpListCharacters  = "list_characters"
	OpCreateCharacter = "create_character"
	OpUpdateCharacter = "update_character"
	OpDeleteCharacter = "delete_character"
	OpReextract       = "reextract_identity"
	OpMemoryStatus    = "memory_status"
	OpHistory         = "history"
	OpUpdateMemory    = "update_episodic_state"
	OpDeleteMemory    = "delete_episodic_state"
	OpGenerate        = "generate"
	OpJobStatus       = "job_status"
	OpVideo           = "video_from_image"
	OpMedia           = "media"
)

// JobStep is what one status poll of a job returns. A non-zero HTTPStatus
// answers with that status and no payload.
type JobStep struct {
	Status       string
	ResultURL    string
	OutputURL    string
	ErrorMessage string
	Metrics      map[string]float64
	HTTPStatus   int
}

func Pending() JobStep { return JobStep{Status: "processing"} }

func Succeed(resultURL string) JobStep { return JobStep{Status: "success", ResultURL: resultURL} }

func SucceedOutput(outputURL string) JobStep { return JobStep{Status: "success", OutputURL: outputURL} }

func Failed(msg string) JobStep { return JobStep{Status: "failed", ErrorMessage: msg} }

func HTTPError(status int) JobStep { return JobStep{HTTPStatus: status} }

type CreatedCharacter struct {
	Name        string
	Description string
	Consent     string
	Files       []string
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	characters []model.Character
	memory     map[string]model.MemoryStatus
	history    map[string][]model.EpisodicState
	scripts    [][]JobStep
	jobs       map[string][]JobStep
	jobIDs     []string
	failures   map[string]int
	calls      map[string]int
	submitted  []model.GenerationRequest
	videoReqs  []model.VideoFromImageRequest
	created    []CreatedCharacter
	videoPath  string
	media      map[string][]byte
	emptyJobID bool
}

// New starts the fake and closes it when the test ends. Jobs without a
// script succeed on their first poll with /media/out.png.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		memory:    map[string]model.MemoryStatus{},
		history:   map[string][]model.EpisodicState{},
		jobs:      map[string][]JobStep{},
		failures:  map[string]int{},
		calls:     map[string]int{},
		videoPath: "/media/out.mp4",
		media:     map[string][]byte{},
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.GET("/characters", s.guard(OpListCharacters, s.listCharacters))
	v1.POST("/characters", s.guard(OpCreateCharacter, s.createCharacter))
	v1.PATCH("/characters/:id", s.guard(OpUpdateCharacter, s.updateCharacter))
	v1.DELETE("/characters/:id", s.guard(OpDeleteCharacter, s.deleteCharacter))
	v1.POST("/characters/:id/reextract-identity", s.guard(OpReextract, s.reextract))
	v1.GET("/characters/:id/memory-status", s.guard(OpMemoryStatus, s.memoryStatus))
	v1.GET("/characters/:id/history", s.guard(OpHistory, s.listHistory))
	v1.PATCH("/episodic-states/:id", s.guard(OpUpdateMemory, s.updateMemory))
	v1.DELETE("/episodic-states/:id", s.guard(OpDeleteMemory, s.deleteMemory))
	v1.POST("/generate", s.guard(OpGenerate, s.generate))
	v1.GET("/jobs/:id", s.guard(OpJobStatus, s.jobStatus))
	v1.POST("/generate-video-from-image", s.guard(OpVideo, s.video))
	r.GET("/media/*path", s.guard(OpMedia, s.serveMedia))
	return r
}

func (s *Server) guard(op string, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[op]++
		status := s.failures[op]
		s.mu.Unlock()
		if status != 0 {
			c.JSON(status, gin.H{"detail": op + " failed"})
			return
		}
		h(c)
	}
}

// Fail makes every call to op answer with status. Zero clears it.
func (s *Server) Fail(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, op)
		return
	}
	s.failures[op] = status
}

func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ScriptJob queues the poll sequence of the next submitted job. The last
// step repeats once the sequence is exhausted.
func (s *Server) ScriptJob(steps ...JobStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, steps)
}

// OmitJobID makes generate answer without a job id.
func (s *Server) OmitJobID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyJobID = true
}

func (s *Server) SetVideoPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoPath = p
}

func (s *Server) AddCharacter(ch model.Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters = append(s.characters, ch)
}

func (s *Server) SetMemoryStatus(characterID string, st model.MemoryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[characterID] = st
}

func (s *Server) SetHistory(characterID string, items []model.EpisodicState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[characterID] = append([]model.EpisodicState(nil), items...)
}

func (s *Server) AddMedia(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media["/"+strings.TrimLeft(path, "/")] = body
}

func (s *Server) Submitted() []model.GenerationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.GenerationRequest(nil), s.submitted...)
}

func (s *Server) VideoRequests() []model.VideoFromImageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.VideoFromImageRequest(nil), s.videoReqs...)
}

func (s *Server) Created() []CreatedCharacter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CreatedCharacter(nil), s.created...)
}

// JobIDs lists submitted job ids in submission order.
func (s *Server) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobIDs...)
}

func (s *Server) listCharacters(c *gin.Context) {
	s.mu.Lock()
	out := append([]model.Character{}, s.characters...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) createCharacter(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "expected multipart form"})
		return
	}
	rec := CreatedCharacter{
		Name:        first(form.Value["name"]),
		Description: first(form.Value["description"]),
		Consent:     first(form.Value["consent"]),
	}
	for _, fh := range form.File["files"] {
		rec.Files = append(rec.Files, fh.Filename)
	}
	if rec.Name == "" || rec.Consent != "true" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "name and consent are required"})
		return
	}
	ch := model.Character{ID: "char-" + uuid.NewString()[:8], Name: rec.Name, Description: rec.Description}
	if len(rec.Files) > 0 {
		ch.RefImageURL = "/media/" + rec.Files[0]
	}

	s.mu.Lock()
	s.created = append(s.created, rec)
	s.characters = append(s.characters, ch)
	s.mu.Unlock()
	c.JSON(http.StatusOK, ch)
}

func (s *Server) updateCharacter(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.characters {
		if s.characters[i].ID == c.Param("id") {
			s.characters[i].Name = req.Name
			s.characters[i].Description = req.Description
			c.JSON(http.StatusOK, s.characters[i])
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "character not found"})
}

func (s *Server) deleteCharacter(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.characters {
		if s.characters[i].ID == c.Param("id") {
			s.characters = append(s.characters[:i], s.characters[i+1:]...)
			c.JSON(http.StatusOK, gin.H{"status": "deleted"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "character not found"})
}

func (s *Server) reextract(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "character_id": c.Param("id")})
}

func (s *Server) memoryStatus(c *gin.Context) {
	s.mu.Lock()
	st, ok := s.memory[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		st = model.MemoryStatus{HealthScore: 100, HealthStatus: "HEALTHY"}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listHistory(c *gin.Context) {
	s.mu.Lock()
	items := append([]model.EpisodicState{}, s.history[c.Param("id")]...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"episodic_states": items})
}

func (s *Server) updateMemory(c *gin.Context) {
	var req struct {
		Notes string   `json:"notes"`
		Tags  []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for charID, items := range s.history {
		for i := range items {
			if items[i].ID == c.Param("id") {
				items[i].Notes = req.Notes
				items[i].Tags = model.Tags(req.Tags)
				s.history[charID] = items
				c.JSON(http.StatusOK, items[i])
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "episodic state not found"})
}

func (s *Server) deleteMemory(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for charID, items := range s.history {
		for i := range items {
			if items[i].ID == c.Param("id") {
				s.history[charID] = append(items[:i], items[i+1:]...)
				c.JSON(http.StatusOK, gin.H{"status": "deleted"})
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "episodic state not found"})
}

func (s *Server) generate(c *gin.Context) {
	var req model.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, req)
	if s.emptyJobID {
		c.JSON(http.StatusOK, gin.H{"status": "queued"})
		return
	}
	jobID := "job-" + uuid.NewString()
	script := []JobStep{Succeed("/media/out.png")}
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.jobs[jobID] = script
	s.jobIDs = append(s.jobIDs, jobID)
	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

func (s *Server) jobStatus(c *gin.Context) {
	jobID := c.Param("id")
	s.mu.Lock()
	script, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"detail": "job not found"})
		return
	}
	step := script[0]
	if len(script) > 1 {
		s.jobs[jobID] = script[1:]
	}
	s.mu.Unlock()

	if step.HTTPStatus != 0 {
		c.JSON(step.HTTPStatus, gin.H{"detail": fmt.Sprintf("status %d", step.HTTPStatus)})
		return
	}
	body := gin.H{"id": jobID, "status": step.Status}
	if step.ResultURL != "" {
		body["result_url"] = step.ResultURL
	}
	if step.OutputURL != "" {
		body["output"] = gin.H{"url": step.OutputURL}
	}
	if step.ErrorMessage != "" {
		body["error_message"] = step.ErrorMessage
	}
	if step.Metrics != nil {
		body["metrics"] = step.Metrics
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) video(c *gin.Context) {
	var req model.VideoFromImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	s.videoReqs = append(s.videoReqs, req)
	path := s.videoPath
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"video_path": path})
}

func (s *Server) serveMedia(c *gin.Context) {
	s.mu.Lock()
	body, ok := s.media["/"+strings.TrimLeft(c.Param("path"), "/")]
	s.mu.Unlock()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(body), body)
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
