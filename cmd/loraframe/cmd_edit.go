package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"loraframe/studio/internal/editor"
)

var editOpts struct {
	output       string
	settingsFile string
	preset       string
	brightness   float64
	contrast     float64
	saturation   float64
	blur         float64
	grayscale    bool
	rotate       int
	aspect       string
	trimStart    float64
	trimEnd      float64
	speed        float64
	videoVolume  float64
	music        string
	musicVolume  float64
	text         string
}

var editCmd = &cobra.Command{
	Use:   "edit [source]",
	Short: "Apply filters, framing and timing to an image or video",
	Long: `Renders a local file or a media URL through ffmpeg.

Flags override the values loaded from --settings. The media type follows the
source unless the settings file sets it.

Example:
  loraframe edit out.mp4 --preset noir --speed 1.5 --trim-end 6 -o clip.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

func init() {
	bindEditFlags(editCmd)
}

// bindEditFlags registers the edit flags on cmd and resets editOpts to their
// defaults.
func bindEditFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&editOpts.output, "output", "o", "", "output path (default pro_image.png or pro_video.mp4)")
	f.StringVar(&editOpts.settingsFile, "settings", "", "JSON edit settings file")
	f.StringVar(&editOpts.preset, "preset", "", "reset, noir, vintage or cinematic")
	f.Float64Var(&editOpts.brightness, "brightness", 1, "brightness multiplier")
	f.Float64Var(&editOpts.contrast, "contrast", 1, "contrast")
	f.Float64Var(&editOpts.saturation, "saturation", 1, "saturation")
	f.Float64Var(&editOpts.blur, "blur", 0, "gaussian blur sigma")
	f.BoolVar(&editOpts.grayscale, "grayscale", false, "drop colour")
	f.IntVar(&editOpts.rotate, "rotate", 0, "rotation in degrees, multiple of 90")
	f.StringVar(&editOpts.aspect, "aspect", editor.AspectOriginal, "original, 16:9, 9:16, 1:1 or 4:5")
	f.Float64Var(&editOpts.trimStart, "trim-start", 0, "video start in seconds")
	f.Float64Var(&editOpts.trimEnd, "trim-end", 10, "video end in seconds")
	f.Float64Var(&editOpts.speed, "speed", 1, "playback speed")
	f.Float64Var(&editOpts.videoVolume, "volume", 1, "original audio volume")
	f.StringVar(&editOpts.music, "music", "", "music file mixed under the video")
	f.Float64Var(&editOpts.musicVolume, "music-volume", 0.5, "music volume")
	f.StringVar(&editOpts.text, "text", "", "text overlay")
}

func runEdit(cmd *cobra.Command, args []string) error {
	spec, err := editSpecFromFlags(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	res, err := a.editor.Export(cmd.Context(), args[0], spec)
	if err != nil {
		return err
	}
	defer res.Cleanup()

	out := editOpts.output
	if out == "" {
		out = res.Filename
	}
	if err := copyFile(res.Path, out); err != nil {
		return err
	}
	abs, _ := filepath.Abs(out)
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (%s)\n", abs, res.MimeType)
	return nil
}

// editSpecFromFlags starts from --settings (or the defaults) and applies only the
// flags that were set on the command line.
func editSpecFromFlags(cmd *cobra.Command) (editor.EditSpec, error) {
	spec := editor.DefaultSpec("")
	if editOpts.settingsFile != "" {
		raw, err := os.ReadFile(editOpts.settingsFile)
		if err != nil {
			return spec, fmt.Errorf("read settings file: %w", err)
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return spec, fmt.Errorf("parse settings file: %w", err)
		}
	}
	if editOpts.preset != "" {
		if err := editor.ApplyPreset(&spec.Filters, editOpts.preset); err != nil {
			return spec, err
		}
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("brightness", func() { spec.Filters.Brightness = editOpts.brightness })
	set("contrast", func() { spec.Filters.Contrast = editOpts.contrast })
	set("saturation", func() { spec.Filters.Saturation = editOpts.saturation })
	set("blur", func() { spec.Filters.Blur = editOpts.blur })
	set("grayscale", func() { spec.Filters.Grayscale = editOpts.grayscale })
	set("rotate", func() { spec.Rotation = editOpts.rotate })
	set("aspect", func() { spec.AspectRatio = editOpts.aspect })
	set("trim-start", func() { spec.Trim.Start = editOpts.trimStart })
	set("trim-end", func() { spec.Trim.End = editOpts.trimEnd })
	set("speed", func() { spec.Speed = editOpts.speed })
	set("volume", func() { spec.Volumes.Video = editOpts.videoVolume })
	set("music", func() { spec.MusicFile = editOpts.music })
	set("music-volume", func() { spec.Volumes.Music = editOpts.musicVolume })
	set("text", func() { spec.Text.Text = editOpts.text })
	return spec, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return out.Close()
}
