package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"loraframe/studio/internal/job"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/store"
)

const sseHeartbeat = 15 * time.Second

type generateRequest struct {
	Prompt      string `json:"prompt"`
	CharacterID string `json:"character_id"`
	Mode        string `json:"mode"`
	// Wait runs the transaction inside the request instead of in the
	// background.
	Wait bool `json:"wait"`
}

func (s *Server) startGeneration(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid generation payload", false, nil)
		return
	}

	mode := s.opts.DefaultMode
	if strings.TrimSpace(req.Mode) != "" {
		m, ok := model.ParseGenerationMode(req.Mode)
		if !ok {
			writeError(c, http.StatusBadRequest, "INVALID_MODE", "mode must be image or video", false, nil)
			return
		}
		mode = m
	}

	if strings.TrimSpace(req.Prompt) == "" {
		writeGenerationError(c, job.ErrEmptyPrompt)
		return
	}
	character, err := s.resolveCharacter(c.Request.Context(), req.CharacterID)
	if errors.Is(err, job.ErrMissingCharacter) {
		writeGenerationError(c, err)
		return
	}
	if err != nil {
		writeUpstreamError(c, err, "CAST_UNAVAILABLE", "Could not load the cast to resolve the character")
		return
	}

	in := job.GenerateInput{
		Character: character,
		Prompt:    strings.TrimSpace(req.Prompt),
		Mode:      mode,
		RequestID: uuid.NewString(),
	}
	if err := job.Validate(in); err != nil {
		writeGenerationError(c, err)
		return
	}

	if req.Wait {
		scene, err := s.jobs.Generate(c.Request.Context(), in)
		if err != nil {
			writeGenerationError(c, err)
			return
		}
		writeData(c, http.StatusCreated, scene)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.jobs.Generate(s.baseCtx, in); err != nil {
			s.log.Debug("background generation ended with error", zap.String("request_id", in.RequestID), zap.Error(err))
		}
	}()
	writeData(c, http.StatusAccepted, gin.H{
		"request_id":   in.RequestID,
		"character_id": character.ID,
		"mode":         mode,
	})
}

// resolveCharacter picks the requested character, falling back to the
// selected one. An unknown id triggers one roster refresh.
func (s *Server) resolveCharacter(ctx context.Context, id string) (model.Character, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		if ch, ok := s.store.Selected(); ok {
			return ch, nil
		}
		return model.Character{}, job.ErrMissingCharacter
	}
	if ch, err := s.store.Character(id); err == nil {
		return ch, nil
	}
	if _, err := s.cast.Refresh(ctx); err != nil {
		return model.Character{}, err
	}
	ch, err := s.store.Character(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Character{}, job.ErrMissingCharacter
	}
	return ch, err
}

func writeGenerationError(c *gin.Context, err error) {
	var failed *job.JobFailedError
	switch {
	case errors.Is(err, job.ErrMissingCharacter):
		writeError(c, http.StatusBadRequest, "MISSING_CHARACTER", "Select a character before generating", false, nil)
	case errors.Is(err, job.ErrEmptyPrompt):
		writeError(c, http.StatusBadRequest, "EMPTY_PROMPT", "Prompt must not be empty", false, nil)
	case errors.Is(err, job.ErrUnknownMode):
		writeError(c, http.StatusBadRequest, "INVALID_MODE", "mode must be image or video", false, nil)
	case errors.As(err, &failed):
		writeError(c, http.StatusUnprocessableEntity, "JOB_FAILED", failed.Message, false, map[string]any{"job_id": failed.JobID})
	case errors.Is(err, job.ErrPollTimeout):
		writeError(c, http.StatusGatewayTimeout, "GENERATION_TIMEOUT", err.Error(), true, nil)
	case errors.Is(err, job.ErrSubmitFailed):
		writeError(c, http.StatusBadGateway, "SUBMIT_FAILED", "Failed to start generation job", true, nil)
	case errors.Is(err, job.ErrVideoConversionFailed), errors.Is(err, provider.ErrNoVideoPath):
		writeError(c, http.StatusBadGateway, "VIDEO_CONVERSION_FAILED", "Video conversion failed", true, nil)
	case errors.Is(err, provider.ErrNoResultURL):
		writeError(c, http.StatusBadGateway, "NO_RESULT_URL", "Job finished without a result", false, nil)
	default:
		writeError(c, http.StatusInternalServerError, "GENERATION_FAILED", err.Error(), false, nil)
	}
}

func (s *Server) streamStudioEvents(c *gin.Context) {
	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	_, sub, unsubscribe := s.hub.Subscribe(128)
	defer unsubscribe()
	backlog := s.hub.EventsFrom(fromSeq)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}
	c.Status(http.StatusOK)

	last := fromSeq
	for _, evt := range backlog {
		writeSSE(c, evt)
		last = evt.Seq
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-s.streamsDone:
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Seq <= last {
				continue
			}
			writeSSE(c, evt)
			last = evt.Seq
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, evt model.StudioEvent) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
