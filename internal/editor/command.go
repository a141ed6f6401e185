package editor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	imageOutput = "pro_image.png"
	videoOutput = "pro_video.mp4"
)

// OutputName returns the file name and mime type an export produces.
func OutputName(mt MediaType) (string, string) {
	if mt == MediaImage {
		return imageOutput, "image/png"
	}
	return videoOutput, "video/mp4"
}

// BuildFilterChain returns the video filters for spec in application order:
// colour, blur, grayscale, rotation, framing, text.
func BuildFilterChain(spec EditSpec, fontFile string) []string {
	f := spec.Filters
	chain := []string{
		fmt.Sprintf("eq=brightness=%s:contrast=%s:saturation=%s", num(f.Brightness-1), num(f.Contrast), num(f.Saturation)),
	}
	if f.Blur > 0 {
		chain = append(chain, "gblur=sigma="+num(f.Blur))
	}
	if f.Grayscale {
		chain = append(chain, "hue=s=0")
	}

	switch normRotation(spec.Rotation) {
	case 90:
		chain = append(chain, "transpose=1")
	case 180:
		chain = append(chain, "transpose=1,transpose=1")
	case 270:
		chain = append(chain, "transpose=2")
	}

	if box, ok := aspectBoxes[spec.AspectRatio]; ok {
		w, h := box[0], box[1]
		chain = append(chain, fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h))
	} else if spec.MediaType == MediaVideo {
		// libx264 needs even dimensions
		chain = append(chain, "scale=trunc(iw/2)*2:trunc(ih/2)*2")
	}

	if t := spec.Text; t.Text != "" {
		chain = append(chain, drawText(t, fontFile))
	}
	return chain
}

func drawText(t TextOverlay, fontFile string) string {
	safe := strings.ReplaceAll(t.Text, "'", "")
	safe = strings.ReplaceAll(safe, ":", `\:`)
	alpha := int(math.Floor(t.BgOpacity * 255))
	box := strings.Replace(t.BgColor, "#", "0x", 1) + fmt.Sprintf("%02x", alpha)

	var b strings.Builder
	b.WriteString("drawtext=")
	if fontFile != "" {
		b.WriteString("fontfile=" + fontFile + ":")
	}
	fmt.Fprintf(&b, "text='%s':x=%d:y=%d:fontsize=%d:fontcolor=%s:box=1:boxcolor=%s@%s",
		safe, t.X, t.Y, t.FontSize, t.Color, box, num(t.BgOpacity))
	return b.String()
}

// BuildArgs returns the ffmpeg arguments that render input into output.
// music is ignored for images and may be empty.
func BuildArgs(spec EditSpec, input, music, output, fontFile string) []string {
	chain := BuildFilterChain(spec, fontFile)

	if spec.MediaType == MediaImage {
		vf := strings.Join(chain, ",")
		if vf == "" {
			vf = "null"
		}
		return []string{"-y", "-i", input, "-vf", vf, "-frames:v", "1", "-update", "1", output}
	}

	audio := ""
	if spec.Speed != 1 {
		chain = append(chain, "setpts="+num(1/spec.Speed)+"*PTS")
		audio = "atempo=" + num(spec.Speed)
	}
	vf := strings.Join(chain, ",")
	trim := []string{"-ss", num(spec.Trim.Start), "-to", num(spec.Trim.End)}

	if music != "" {
		original := "[0:a]volume=" + num(spec.Volumes.Video) + "[a1]"
		if audio != "" {
			original = "[0:a]" + audio + ",volume=" + num(spec.Volumes.Video) + "[a1]"
		}
		complexFilter := strings.Join([]string{
			"[0:v]" + vf + "[v]",
			original,
			"[1:a]volume=" + num(spec.Volumes.Music) + "[a2]",
			"[a1][a2]amix=inputs=2:duration=first[aout]",
		}, ";")
		args := []string{"-y", "-i", input, "-i", music}
		args = append(args, trim...)
		return append(args,
			"-filter_complex", complexFilter,
			"-map", "[v]", "-map", "[aout]",
			"-c:v", "libx264", "-preset", "ultrafast",
			output)
	}

	args := []string{"-y", "-i", input}
	args = append(args, trim...)
	args = append(args, "-vf", vf)
	if spec.Speed != 1 || spec.Volumes.Video != 1 {
		af := "volume=" + num(spec.Volumes.Video)
		if audio != "" {
			af = audio + "," + af
		}
		return append(args, "-af", af, "-c:v", "libx264", "-preset", "ultrafast", output)
	}
	return append(args, "-c:v", "libx264", "-c:a", "copy", "-preset", "ultrafast", output)
}

// num formats v without float noise, at most four decimals.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}
