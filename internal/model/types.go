package model

import (
	"encoding/json"
	"strings"
	"time"
)

type CharacterMetadata struct {
	Face string `json:"face,omitempty"`
	Hair string `json:"hair,omitempty"`
	Eyes string `json:"eyes,omitempty"`
}

type Character struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	RefImageURL  string            `json:"ref_image_url,omitempty"`
	BaseImageURL string            `json:"base_image_url,omitempty"`
	Description  string            `json:"description,omitempty"`
	Metadata     CharacterMetadata `json:"char_metadata"`
}

type MemoryStatus struct {
	HealthScore  float64 `json:"health_score"`
	HealthStatus string  `json:"health_status"`
}

// Tags accepts either a JSON array or a comma separated string.
type Tags []string

func (t *Tags) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = cleanTags(list)
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = ParseTags(raw)
	return nil
}

func ParseTags(raw string) Tags {
	if strings.TrimSpace(raw) == "" {
		return Tags{}
	}
	return cleanTags(strings.Split(raw, ","))
}

func cleanTags(in []string) Tags {
	out := make(Tags, 0, len(in))
	for _, tag := range in {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

type EpisodicState struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"character_id,omitempty"`
	SceneIndex  int       `json:"scene_index"`
	ImageURL    string    `json:"image_url"`
	Notes       string    `json:"notes"`
	Tags        Tags      `json:"tags"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type GenerationOptions struct {
	Video          bool     `json:"video"`
	RefineFace     bool     `json:"refine_face"`
	AspectRatio    string   `json:"aspect_ratio"`
	StyleOverrides []string `json:"style_overrides"`
}

func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{
		Video:          false,
		RefineFace:     true,
		AspectRatio:    "16:9",
		StyleOverrides: []string{},
	}
}

type GenerationRequest struct {
	CharacterID  string            `json:"character_id"`
	Prompt       string            `json:"prompt"`
	PoseImageURL string            `json:"pose_image_url"`
	Options      GenerationOptions `json:"options"`
}

type JobState string

const (
	JobSuccess JobState = "success"
	JobFailed  JobState = "failed"
)

type JobOutput struct {
	URL string `json:"url"`
}

type JobStatus struct {
	ID           string             `json:"id,omitempty"`
	Status       JobState           `json:"status"`
	ResultURL    string             `json:"result_url,omitempty"`
	Output       *JobOutput         `json:"output,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

func (s JobStatus) Terminal() bool {
	return s.Status == JobSuccess || s.Status == JobFailed
}

type VideoFromImageRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
}

type VideoFromImageResponse struct {
	VideoPath string `json:"video_path"`
}

type GenerationMode string

const (
	ModeImage GenerationMode = "image"
	ModeVideo GenerationMode = "video"
)

func ParseGenerationMode(v string) (GenerationMode, bool) {
	switch GenerationMode(strings.ToLower(strings.TrimSpace(v))) {
	case "", ModeImage:
		return ModeImage, true
	case ModeVideo:
		return ModeVideo, true
	}
	return "", false
}

type SceneKind string

const (
	SceneImage SceneKind = "image"
	SceneVideo SceneKind = "video"
)

type Scene struct {
	ID           string             `json:"id"`
	JobID        string             `json:"job_id"`
	Prompt       string             `json:"prompt"`
	MediaURL     string             `json:"result_url"`
	ImageURL     string             `json:"image"`
	IdentityUsed string             `json:"identity_used"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Kind         SceneKind          `json:"kind"`
	CreatedAt    time.Time          `json:"created_at"`
}

type LogEntry struct {
	TS      time.Time `json:"ts"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return "[" + e.TS.Format("15:04:05") + "] " + e.Message
}

type StudioEventType string

const (
	EventLog                StudioEventType = "log"
	EventGenerationStarted  StudioEventType = "generation_started"
	EventGenerationProgress StudioEventType = "generation_progress"
	EventGenerationFailed   StudioEventType = "generation_failed"
	EventSceneAdded         StudioEventType = "scene_added"
	EventSceneRemoved       StudioEventType = "scene_removed"
	EventCastUpdated        StudioEventType = "cast_updated"
)

type StudioEvent struct {
	EventID string          `json:"event_id"`
	Seq     int64           `json:"seq"`
	Type    StudioEventType `json:"type"`
	TS      time.Time       `json:"ts"`
	Payload map[string]any  `json:"payload"`
}
