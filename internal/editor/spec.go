// Package editor turns an edit description into an ffmpeg invocation and
// runs it against a scene's media.
package editor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

const (
	AspectOriginal = "original"
	maxSpeed       = 4.0
)

var (
	ErrInvalidSpec = errors.New("invalid edit")

	hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

	// target boxes for the aspect presets, width x height
	aspectBoxes = map[string][2]int{
		"16:9": {1920, 1080},
		"9:16": {1080, 1920},
		"1:1":  {1080, 1080},
		"4:5":  {1080, 1350},
	}
)

type Filters struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Blur       float64 `json:"blur"`
	Grayscale  bool    `json:"grayscale"`
}

type Trim struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Volumes struct {
	Video float64 `json:"video"`
	Music float64 `json:"music"`
}

type TextOverlay struct {
	Text      string  `json:"text"`
	X         int     `json:"x"`
	Y         int     `json:"y"`
	FontSize  int     `json:"font_size"`
	Color     string  `json:"color"`
	BgColor   string  `json:"bg_color"`
	BgOpacity float64 `json:"bg_opacity"`
}

// EditSpec describes one export. MusicFile is a local path and only applies
// to video.
type EditSpec struct {
	MediaType   MediaType   `json:"media_type"`
	Filters     Filters     `json:"filters"`
	Rotation    int         `json:"rotation"`
	AspectRatio string      `json:"aspect_ratio"`
	Trim        Trim        `json:"trim"`
	Speed       float64     `json:"speed"`
	Volumes     Volumes     `json:"volumes"`
	MusicFile   string      `json:"music_file,omitempty"`
	Text        TextOverlay `json:"text_overlay"`
}

func DefaultSpec(mt MediaType) EditSpec {
	return EditSpec{
		MediaType:   mt,
		Filters:     Filters{Brightness: 1, Contrast: 1, Saturation: 1},
		AspectRatio: AspectOriginal,
		Trim:        Trim{Start: 0, End: 10},
		Speed:       1,
		Volumes:     Volumes{Video: 1, Music: 0.5},
		Text: TextOverlay{
			X:         50,
			Y:         50,
			FontSize:  30,
			Color:     "#ffffff",
			BgColor:   "#000000",
			BgOpacity: 0.5,
		},
	}
}

// ApplyPreset replaces the colour filters with a named look.
func ApplyPreset(f *Filters, name string) error {
	switch strings.ToLower(name) {
	case "reset":
		*f = Filters{Brightness: 1, Contrast: 1, Saturation: 1}
	case "noir":
		*f = Filters{Brightness: 1.1, Contrast: 1.2, Saturation: 0, Grayscale: true}
	case "vintage":
		*f = Filters{Brightness: 0.9, Contrast: 1.1, Saturation: 0.6}
	case "cinematic":
		*f = Filters{Brightness: 0.9, Contrast: 1.3, Saturation: 1.2}
	default:
		return fmt.Errorf("%w: unknown preset %q", ErrInvalidSpec, name)
	}
	return nil
}

func (s EditSpec) Validate() error {
	var problems []string
	if s.MediaType != MediaImage && s.MediaType != MediaVideo {
		problems = append(problems, fmt.Sprintf("media_type must be image or video, got %q", s.MediaType))
	}
	if s.Rotation%90 != 0 {
		problems = append(problems, "rotation must be a multiple of 90")
	}
	if s.AspectRatio != "" && s.AspectRatio != AspectOriginal {
		if _, ok := aspectBoxes[s.AspectRatio]; !ok {
			problems = append(problems, fmt.Sprintf("unsupported aspect_ratio %q", s.AspectRatio))
		}
	}
	if s.Filters.Blur < 0 {
		problems = append(problems, "blur must not be negative")
	}
	if s.MediaType == MediaVideo {
		if s.Speed <= 0 || s.Speed > maxSpeed {
			problems = append(problems, "speed must be in (0, 4]")
		}
		if s.Trim.Start < 0 || s.Trim.End <= s.Trim.Start {
			problems = append(problems, "trim end must be after trim start")
		}
		if s.Volumes.Video < 0 || s.Volumes.Music < 0 {
			problems = append(problems, "volumes must not be negative")
		}
	}
	if s.Text.Text != "" {
		if !hexColor.MatchString(s.Text.BgColor) {
			problems = append(problems, "text bg_color must look like #rrggbb")
		}
		if s.Text.BgOpacity < 0 || s.Text.BgOpacity > 1 {
			problems = append(problems, "text bg_opacity must be in [0, 1]")
		}
		if s.Text.FontSize <= 0 {
			problems = append(problems, "text font_size must be positive")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(problems, "; "))
	}
	return nil
}

func normRotation(r int) int {
	r %= 360
	if r < 0 {
		r += 360
	}
	return r
}
