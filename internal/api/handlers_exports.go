package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"loraframe/studio/internal/editor"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
)

// downloadScene streams a scene's media as served by the generation API,
// without re-encoding.
func (s *Server) downloadScene(c *gin.Context) {
	if s.media == nil {
		writeError(c, http.StatusNotImplemented, "MEDIA_DISABLED", "Media downloads are not configured", false, nil)
		return
	}
	scene, err := s.store.SceneByID(c.Param("scene_id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "SCENE_NOT_FOUND", "Scene not found", false, nil)
		return
	}

	var buf bytes.Buffer
	contentType, err := s.media.Download(c.Request.Context(), scene.MediaURL, &buf)
	if err != nil {
		writeUpstreamError(c, err, "SOURCE_UNAVAILABLE", "Could not download scene media")
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(buf.Bytes())
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": sceneFilename(scene)}))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func sceneFilename(scene model.Scene) string {
	ext := ".png"
	p := scene.MediaURL
	if u, err := url.Parse(scene.MediaURL); err == nil {
		p = u.Path
	}
	if scene.Kind == model.SceneVideo || strings.EqualFold(path.Ext(p), ".mp4") {
		ext = ".mp4"
	}
	return "loraframe_" + scene.ID + ext
}

// editScene renders a timeline scene through the editor and streams the
// result back as an attachment. Unset fields keep their editor defaults.
func (s *Server) editScene(c *gin.Context) {
	if s.editor == nil {
		writeError(c, http.StatusNotImplemented, "EDITOR_DISABLED", "Media editor is not configured", false, nil)
		return
	}
	if !requireJSON(c) {
		return
	}
	scene, err := s.store.SceneByID(c.Param("scene_id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "SCENE_NOT_FOUND", "Scene not found", false, nil)
		return
	}

	mt := editor.MediaImage
	if scene.Kind == model.SceneVideo {
		mt = editor.MediaVideo
	}
	spec := editor.DefaultSpec(mt)
	if err := c.ShouldBindJSON(&spec); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid edit payload", false, nil)
		return
	}
	// music only comes from local files on the CLI
	spec.MusicFile = ""

	res, err := s.editor.Export(c.Request.Context(), scene.MediaURL, spec)
	if err != nil {
		switch {
		case errors.Is(err, editor.ErrInvalidSpec):
			writeError(c, http.StatusBadRequest, "INVALID_EDIT", err.Error(), false, nil)
		case errors.Is(err, editor.ErrFFmpeg):
			_ = c.Error(err)
			writeError(c, http.StatusInternalServerError, "EXPORT_FAILED", "Export failed.", false, nil)
		default:
			var pErr *provider.Error
			if errors.As(err, &pErr) {
				writeUpstreamError(c, err, "SOURCE_UNAVAILABLE", "Could not download scene media")
				return
			}
			_ = c.Error(err)
			writeError(c, http.StatusInternalServerError, "EXPORT_FAILED", "Export failed.", false, nil)
		}
		return
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			s.log.Warn("export cleanup failed", zap.String("path", res.Path), zap.Error(err))
		}
	}()

	c.Header("Content-Type", res.MimeType)
	c.FileAttachment(res.Path, res.Filename)
}
