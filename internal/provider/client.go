package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"loraframe/studio/internal/model"
)

const maxErrorBody = 512

// Client talks to the remote generation API. Every method performs exactly
// one request; callers decide what a failure means.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid generation api base url %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: timeout},
		log:     logger.Named("provider"),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Resolve turns a media path returned by the API into an absolute URL.
func (c *Client) Resolve(raw string) string {
	return ResolveURL(c.baseURL, raw)
}

func (c *Client) ListCharacters(ctx context.Context) ([]model.Character, error) {
	var out []model.Character
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/characters", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type UploadFile struct {
	Name    string
	Content io.Reader
}

type CreateCharacterInput struct {
	Name        string
	Description string
	Files       []UploadFile
}

func (c *Client) CreateCharacter(ctx context.Context, in CreateCharacterInput) (model.Character, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = "N/A"
	}
	fields := [][2]string{{"name", in.Name}, {"consent", "true"}, {"description", description}}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return model.Character{}, fmt.Errorf("encode character form: %w", err)
		}
	}
	for _, f := range in.Files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return model.Character{}, fmt.Errorf("encode character file: %w", err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return model.Character{}, fmt.Errorf("copy character file %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return model.Character{}, fmt.Errorf("encode character form: %w", err)
	}

	var out model.Character
	err := c.do(ctx, http.MethodPost, "/api/v1/characters", &buf, mw.FormDataContentType(), &out)
	return out, err
}

type UpdateCharacterInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (c *Client) UpdateCharacter(ctx context.Context, id string, in UpdateCharacterInput) error {
	if strings.TrimSpace(in.Description) == "" {
		in.Description = "N/A"
	}
	return c.doJSON(ctx, http.MethodPatch, "/api/v1/characters/"+url.PathEscape(id), in, nil)
}

func (c *Client) DeleteCharacter(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/characters/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ReextractIdentity(ctx context.Context, characterID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/characters/"+url.PathEscape(characterID)+"/reextract-identity", nil, nil)
}

func (c *Client) MemoryStatus(ctx context.Context, characterID string) (model.MemoryStatus, error) {
	var out model.MemoryStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/characters/"+url.PathEscape(characterID)+"/memory-status", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, characterID string) ([]model.EpisodicState, error) {
	var out struct {
		EpisodicStates []model.EpisodicState `json:"episodic_states"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/characters/"+url.PathEscape(characterID)+"/history", nil, &out); err != nil {
		return nil, err
	}
	if out.EpisodicStates == nil {
		return []model.EpisodicState{}, nil
	}
	return out.EpisodicStates, nil
}

type UpdateEpisodicStateInput struct {
	Notes string   `json:"notes"`
	Tags  []string `json:"tags"`
}

func (c *Client) UpdateEpisodicState(ctx context.Context, id string, in UpdateEpisodicStateInput) error {
	if in.Tags == nil {
		in.Tags = []string{}
	}
	return c.doJSON(ctx, http.MethodPatch, "/api/v1/episodic-states/"+url.PathEscape(id), in, nil)
}

func (c *Client) DeleteEpisodicState(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/episodic-states/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SubmitGeneration(ctx context.Context, req model.GenerationRequest) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/generate", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", ErrNoJobID
	}
	return out.JobID, nil
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	var out model.JobStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

func (c *Client) VideoFromImage(ctx context.Context, req model.VideoFromImageRequest) (model.VideoFromImageResponse, error) {
	var out model.VideoFromImageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/generate-video-from-image", req, &out); err != nil {
		return model.VideoFromImageResponse{}, err
	}
	if strings.TrimSpace(out.VideoPath) == "" {
		return model.VideoFromImageResponse{}, ErrNoVideoPath
	}
	return out, nil
}

// Download streams the media behind an absolute URL into w and returns its
// content type.
func (c *Client) Download(ctx context.Context, mediaURL string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Category: CategoryNetwork, Method: http.MethodGet, Path: mediaURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &Error{Category: CategoryHTTP, Method: http.MethodGet, Path: mediaURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", &Error{Category: CategoryNetwork, Method: http.MethodGet, Path: mediaURL, Err: err}
	}
	return resp.Header.Get("Content-Type"), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	log := c.log.With(zap.String("method", method), zap.String("path", path))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug("request failed", zap.Error(err))
		return &Error{Category: CategoryNetwork, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	log.Debug("request done", zap.Int("status", resp.StatusCode), zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(raw))
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return &Error{Category: CategoryHTTP, Method: method, Path: path, StatusCode: resp.StatusCode, Body: excerpt}
	}
	if readErr != nil {
		return &Error{Category: CategoryNetwork, Method: method, Path: path, Err: readErr}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Category: CategoryDecode, Method: method, Path: path, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
