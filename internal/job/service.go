package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"loraframe/studio/internal/events"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/store"
	"loraframe/studio/internal/telemetry"

	"github.com/google/uuid"
)

var (
	ErrMissingCharacter      = errors.New("missing character")
	ErrEmptyPrompt           = errors.New("missing prompt")
	ErrSubmitFailed          = errors.New("failed to start generation job")
	ErrVideoConversionFailed = errors.New("video conversion failed")
	ErrUnknownMode           = errors.New("unknown generation mode")
)

const opReextract = "reextract_identity"

// Backend is the part of the remote API a generation transaction talks to.
type Backend interface {
	StatusFetcher
	ReextractIdentity(ctx context.Context, characterID string) error
	SubmitGeneration(ctx context.Context, req model.GenerationRequest) (string, error)
	VideoFromImage(ctx context.Context, req model.VideoFromImageRequest) (model.VideoFromImageResponse, error)
	Resolve(raw string) string
}

type GenerateInput struct {
	Character model.Character
	Prompt    string
	Mode      model.GenerationMode
	// RequestID correlates the events of one transaction; generated when empty.
	RequestID string
}

// Service runs generation transactions: submit, poll, normalize and prepend
// the resulting scene to the timeline. Transactions are independent; the
// in-flight count is informational and never blocks a new one.
type Service struct {
	backend  Backend
	poller   *Poller
	store    *store.MemoryStore
	hub      *events.Hub
	journal  *events.Journal
	breakers *provider.Breakers
	metrics  *telemetry.Metrics
	log      *zap.Logger

	inFlight atomic.Int64
	now      func() time.Time
}

func NewService(backend Backend, poller *Poller, st *store.MemoryStore, hub *events.Hub, breakers *provider.Breakers, metrics *telemetry.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend:  backend,
		poller:   poller,
		store:    st,
		hub:      hub,
		journal:  events.NewJournal(st, hub),
		breakers: breakers,
		metrics:  metrics,
		log:      logger.Named("generation"),
		now:      time.Now,
	}
}

// Generating reports how many transactions are running.
func (s *Service) Generating() int64 {
	return s.inFlight.Load()
}

// Validate checks the input without doing any I/O.
func Validate(in GenerateInput) error {
	if strings.TrimSpace(in.Character.ID) == "" {
		return ErrMissingCharacter
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if in.Mode != "" && in.Mode != model.ModeImage && in.Mode != model.ModeVideo {
		return fmt.Errorf("%w: %q", ErrUnknownMode, in.Mode)
	}
	return nil
}

// Generate runs one transaction. On success the scene is already at the
// head of the timeline; on failure the timeline is untouched.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (model.Scene, error) {
	if err := Validate(in); err != nil {
		s.journal.Log("❌ Generation Aborted: Missing character or prompt")
		return model.Scene{}, err
	}
	if in.Mode == "" {
		in.Mode = model.ModeImage
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}

	s.inFlight.Add(1)
	s.gaugeInFlight()
	defer func() {
		s.inFlight.Add(-1)
		s.gaugeInFlight()
	}()

	log := s.log.With(
		zap.String("request_id", in.RequestID),
		zap.String("character_id", in.Character.ID),
		zap.String("mode", string(in.Mode)),
	)
	start := s.now()

	s.journal.Log(fmt.Sprintf("🚀 Starting generation for %s...", in.Character.Name))
	s.hub.Publish(model.EventGenerationStarted, map[string]any{
		"request_id":   in.RequestID,
		"character_id": in.Character.ID,
		"prompt":       in.Prompt,
		"mode":         in.Mode,
	})

	s.journal.Log("Step 1: Recalibrating Identity...")
	s.refreshIdentity(ctx, in.Character.ID, log)
	s.journal.Log("Step 2: Dispatching Job...")

	var (
		scene model.Scene
		err   error
	)
	if in.Mode == model.ModeVideo {
		scene, err = s.generateVideo(ctx, in, log)
	} else {
		scene, err = s.generateImage(ctx, in, log)
	}
	if s.metrics != nil {
		s.metrics.GenerationDuration.WithLabelValues(string(in.Mode)).Observe(s.now().Sub(start).Seconds())
	}

	if err != nil {
		outcome := outcomeOf(err)
		s.countGeneration(in.Mode, outcome)
		log.Warn("generation failed", zap.String("outcome", outcome), zap.Error(err))
		s.journal.Log("❌ Generation Failed: " + err.Error())
		s.hub.Publish(model.EventGenerationFailed, map[string]any{
			"request_id": in.RequestID,
			"outcome":    outcome,
			"error":      err.Error(),
		})
		return model.Scene{}, err
	}

	total := s.store.PrependScene(scene)
	if s.metrics != nil {
		s.metrics.TimelineScenes.Set(float64(total))
	}
	s.countGeneration(in.Mode, "success")
	log.Info("scene added", zap.String("scene_id", scene.ID), zap.String("job_id", scene.JobID))
	if in.Mode == model.ModeVideo {
		s.journal.Log("✨ Video generated successfully!")
	} else {
		s.journal.Log("✨ Storyboard generated successfully!")
	}
	s.hub.Publish(model.EventSceneAdded, map[string]any{
		"request_id": in.RequestID,
		"scene":      scene,
	})
	return scene, nil
}

func (s *Service) generateImage(ctx context.Context, in GenerateInput, log *zap.Logger) (model.Scene, error) {
	jobID, err := s.submit(ctx, in)
	if err != nil {
		return model.Scene{}, err
	}
	s.journal.Log("✅ Job started: " + jobID)

	status, err := s.poller.Poll(ctx, jobID, Messages{
		Failed:  "Server reported job failure",
		Timeout: "Generation timed out",
	}, s.progress(in.RequestID, "...Rendering (%ds)"))
	if err != nil {
		return model.Scene{}, err
	}

	raw, err := provider.ParseJobResult(status)
	if err != nil {
		return model.Scene{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	mediaURL := s.backend.Resolve(raw)

	sceneID := status.ID
	if sceneID == "" {
		sceneID = jobID
	}
	scene := model.Scene{
		ID:           sceneID,
		JobID:        jobID,
		Prompt:       in.Prompt,
		MediaURL:     mediaURL,
		ImageURL:     mediaURL,
		IdentityUsed: in.Character.Name,
		Kind:         model.SceneImage,
		CreatedAt:    s.now().UTC(),
	}
	if len(status.Metrics) > 0 {
		scene.Metrics = make(map[string]float64, len(status.Metrics))
		for k, v := range status.Metrics {
			scene.Metrics[k] = v
		}
	}
	return scene, nil
}

// generateVideo renders a still first and animates it. The still is polled,
// the video conversion is a single synchronous call.
func (s *Service) generateVideo(ctx context.Context, in GenerateInput, log *zap.Logger) (model.Scene, error) {
	s.journal.Log("Step 2: Dispatching Image Generation for Video...")
	jobID, err := s.submit(ctx, in)
	if err != nil {
		return model.Scene{}, err
	}
	log.Debug("still job submitted", zap.String("job_id", jobID))

	status, err := s.poller.Poll(ctx, jobID, Messages{
		Failed:  "Image generation failed",
		Timeout: "Image generation timed out",
	}, s.progress(in.RequestID, "...Generating Image (%ds)"))
	if err != nil {
		return model.Scene{}, err
	}
	raw, err := provider.ParseJobResult(status)
	if err != nil {
		return model.Scene{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	imageURL := s.backend.Resolve(raw)

	s.journal.Log("Step 4: Image ready. Converting to motion video...")
	video, err := s.backend.VideoFromImage(ctx, model.VideoFromImageRequest{
		Prompt:   in.Prompt,
		ImageURL: imageURL,
	})
	if err != nil {
		if errors.Is(err, provider.ErrNoVideoPath) {
			return model.Scene{}, err
		}
		return model.Scene{}, fmt.Errorf("%w: %w", ErrVideoConversionFailed, err)
	}

	return model.Scene{
		ID:           "vid-" + uuid.NewString(),
		JobID:        jobID,
		Prompt:       in.Prompt,
		MediaURL:     s.backend.Resolve(video.VideoPath),
		ImageURL:     imageURL,
		IdentityUsed: in.Character.Name,
		Kind:         model.SceneVideo,
		CreatedAt:    s.now().UTC(),
	}, nil
}

func (s *Service) submit(ctx context.Context, in GenerateInput) (string, error) {
	jobID, err := s.backend.SubmitGeneration(ctx, model.GenerationRequest{
		CharacterID:  in.Character.ID,
		Prompt:       in.Prompt,
		PoseImageURL: in.Character.BaseImageURL,
		Options:      model.DefaultGenerationOptions(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	return jobID, nil
}

// refreshIdentity asks the server to re-extract the character's identity.
// Failures are logged and otherwise ignored.
func (s *Service) refreshIdentity(ctx context.Context, characterID string, log *zap.Logger) {
	call := func() error { return s.backend.ReextractIdentity(ctx, characterID) }
	var err error
	if s.breakers != nil {
		err = s.breakers.Execute(provider.CircuitName(opReextract, characterID), call)
	} else {
		err = call()
	}
	if err == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.BestEffortFailures.WithLabelValues(opReextract).Inc()
	}
	log.Warn("identity refresh skipped", zap.Bool("circuit_open", provider.IsOpen(err)), zap.Error(err))
}

func (s *Service) progress(requestID, line string) func(Progress) {
	return func(p Progress) {
		secs := int(p.Elapsed / time.Second)
		s.journal.Log(fmt.Sprintf(line, secs))
		s.hub.Publish(model.EventGenerationProgress, map[string]any{
			"request_id":      requestID,
			"job_id":          p.JobID,
			"attempt":         p.Attempt,
			"elapsed_seconds": secs,
			"status":          p.Status,
		})
	}
}

func (s *Service) countGeneration(mode model.GenerationMode, outcome string) {
	if s.metrics != nil {
		s.metrics.Generations.WithLabelValues(string(mode), outcome).Inc()
	}
}

func (s *Service) gaugeInFlight() {
	if s.metrics != nil {
		s.metrics.InFlight.Set(float64(s.inFlight.Load()))
	}
}

func outcomeOf(err error) string {
	var failed *JobFailedError
	switch {
	case errors.As(err, &failed):
		return "failed"
	case errors.Is(err, ErrPollTimeout):
		return "timeout"
	case errors.Is(err, ErrSubmitFailed):
		return "submit_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
