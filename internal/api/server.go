package api

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"loraframe/studio/internal/cast"
	"loraframe/studio/internal/editor"
	"loraframe/studio/internal/events"
	"loraframe/studio/internal/job"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/store"
	"loraframe/studio/internal/telemetry"
)

type Options struct {
	DefaultMode    model.GenerationMode
	AllowedOrigins []string
}

// MediaSource fetches generated media by absolute URL.
type MediaSource interface {
	Download(ctx context.Context, mediaURL string, w io.Writer) (string, error)
}

type Server struct {
	store   *store.MemoryStore
	jobs    *job.Service
	cast    *cast.Service
	media   MediaSource
	editor  *editor.Editor
	hub     *events.Hub
	metrics *telemetry.Metrics
	log     *zap.Logger
	opts    Options

	// background generations outlive their request and stop with baseCtx
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	streamsDone chan struct{}
	closeOnce   sync.Once
}

func NewServer(st *store.MemoryStore, jobs *job.Service, castSvc *cast.Service, media MediaSource, ed *editor.Editor, hub *events.Hub, metrics *telemetry.Metrics, logger *zap.Logger, opts Options) *Server {
	if opts.DefaultMode == "" {
		opts.DefaultMode = model.ModeImage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:   st,
		jobs:    jobs,
		cast:    castSvc,
		media:   media,
		editor:  ed,
		hub:     hub,
		metrics: metrics,
		log:     logger.Named("api"),
		opts:    opts,
		baseCtx: ctx,
		cancel:  cancel,

		streamsDone: make(chan struct{}),
	}
}

// HTTPServer wraps the router in an http.Server whose Shutdown also ends
// open event streams, which otherwise never go idle.
func (s *Server) HTTPServer(addr string) *http.Server {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	hs.RegisterOnShutdown(s.CloseStreams)
	return hs
}

// CloseStreams ends every open event stream. Safe to call more than once.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.streamsDone) })
}

// Shutdown ends event streams, cancels running background generations and
// waits for them, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseStreams()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))
	r.Use(CORSMiddleware(s.opts.AllowedOrigins))
	if s.metrics != nil {
		r.Use(MetricsMiddleware(s.metrics))
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, 200, gin.H{"status": "ok"})
	})

	studio := v1.Group("/studio")
	{
		studio.GET("/state", s.studioState)
		studio.GET("/logs", s.listLogs)
		studio.GET("/events", s.streamStudioEvents)

		studio.GET("/timeline", s.listTimeline)
		studio.DELETE("/timeline/:scene_id", s.removeScene)
		studio.GET("/timeline/:scene_id/media", s.downloadScene)
		studio.POST("/timeline/:scene_id/edit", s.editScene)
		studio.POST("/generate", s.startGeneration)

		studio.GET("/characters", s.listCharacters)
		studio.POST("/characters", s.createCharacter)
		studio.PATCH("/characters/:character_id", s.updateCharacter)
		studio.DELETE("/characters/:character_id", s.deleteCharacter)
		studio.POST("/characters/:character_id/select", s.selectCharacter)
		studio.POST("/characters/:character_id/repair", s.repairCharacter)
		studio.GET("/characters/:character_id/memory-status", s.memoryStatus)
		studio.GET("/characters/:character_id/history", s.characterHistory)
		studio.GET("/memory-status", s.memoryStatusAll)

		studio.PATCH("/memories/:memory_id", s.updateMemory)
		studio.DELETE("/memories/:memory_id", s.deleteMemory)
	}

	return r
}
