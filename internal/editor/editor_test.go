package editor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loraframe/studio/internal/config"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/provider/providertest"
	"loraframe/studio/internal/telemetry"
)

func TestBuildFilterChain(t *testing.T) {
	noir := DefaultSpec(MediaImage)
	require.NoError(t, ApplyPreset(&noir.Filters, "noir"))
	noir.Filters.Blur = 2

	rotatedVideo := DefaultSpec(MediaVideo)
	rotatedVideo.Rotation = 180

	portrait := DefaultSpec(MediaVideo)
	portrait.AspectRatio = "9:16"
	portrait.Rotation = -90

	titled := DefaultSpec(MediaImage)
	titled.Text.Text = "Scene 1: Rain's End"

	cases := []struct {
		name string
		spec EditSpec
		font string
		want []string
	}{
		{
			name: "default image",
			spec: DefaultSpec(MediaImage),
			want: []string{"eq=brightness=0:contrast=1:saturation=1"},
		},
		{
			name: "noir with blur",
			spec: noir,
			want: []string{"eq=brightness=0.1:contrast=1.2:saturation=0", "gblur=sigma=2", "hue=s=0"},
		},
		{
			name: "video keeps even dimensions",
			spec: rotatedVideo,
			want: []string{
				"eq=brightness=0:contrast=1:saturation=1",
				"transpose=1,transpose=1",
				"scale=trunc(iw/2)*2:trunc(ih/2)*2",
			},
		},
		{
			name: "portrait framing replaces even scale",
			spec: portrait,
			want: []string{
				"eq=brightness=0:contrast=1:saturation=1",
				"transpose=2",
				"scale=1080:1920:force_original_aspect_ratio=decrease,pad=1080:1920:(ow-iw)/2:(oh-ih)/2",
			},
		},
		{
			name: "escaped text with font",
			spec: titled,
			font: "/fonts/arial.ttf",
			want: []string{
				"eq=brightness=0:contrast=1:saturation=1",
				`drawtext=fontfile=/fonts/arial.ttf:text='Scene 1\: Rains End':x=50:y=50:fontsize=30:fontcolor=#ffffff:box=1:boxcolor=0x0000007f@0.5`,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, BuildFilterChain(tc.spec, tc.font)); diff != "" {
				t.Errorf("filter chain mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	fast := DefaultSpec(MediaVideo)
	fast.Speed = 2
	fast.Trim = Trim{Start: 1.5, End: 6}

	quiet := DefaultSpec(MediaVideo)
	quiet.Volumes.Video = 0.3

	scored := DefaultSpec(MediaVideo)
	scored.Speed = 0.5

	cases := []struct {
		name  string
		spec  EditSpec
		music string
		want  []string
	}{
		{
			name: "image single frame",
			spec: DefaultSpec(MediaImage),
			want: []string{"-y", "-i", "in.png", "-vf", "eq=brightness=0:contrast=1:saturation=1", "-frames:v", "1", "-update", "1", "out.png"},
		},
		{
			name: "video untouched audio is copied",
			spec: DefaultSpec(MediaVideo),
			want: []string{
				"-y", "-i", "in.mp4", "-ss", "0", "-to", "10",
				"-vf", "eq=brightness=0:contrast=1:saturation=1,scale=trunc(iw/2)*2:trunc(ih/2)*2",
				"-c:v", "libx264", "-c:a", "copy", "-preset", "ultrafast", "out.mp4",
			},
		},
		{
			name: "speed change retimes audio",
			spec: fast,
			want: []string{
				"-y", "-i", "in.mp4", "-ss", "1.5", "-to", "6",
				"-vf", "eq=brightness=0:contrast=1:saturation=1,scale=trunc(iw/2)*2:trunc(ih/2)*2,setpts=0.5*PTS",
				"-af", "atempo=2,volume=1",
				"-c:v", "libx264", "-preset", "ultrafast", "out.mp4",
			},
		},
		{
			name: "volume only",
			spec: quiet,
			want: []string{
				"-y", "-i", "in.mp4", "-ss", "0", "-to", "10",
				"-vf", "eq=brightness=0:contrast=1:saturation=1,scale=trunc(iw/2)*2:trunc(ih/2)*2",
				"-af", "volume=0.3",
				"-c:v", "libx264", "-preset", "ultrafast", "out.mp4",
			},
		},
		{
			name:  "music is mixed in",
			spec:  scored,
			music: "music.mp3",
			want: []string{
				"-y", "-i", "in.mp4", "-i", "music.mp3", "-ss", "0", "-to", "10",
				"-filter_complex",
				"[0:v]eq=brightness=0:contrast=1:saturation=1,scale=trunc(iw/2)*2:trunc(ih/2)*2,setpts=2*PTS[v];" +
					"[0:a]atempo=0.5,volume=1[a1];[1:a]volume=0.5[a2];[a1][a2]amix=inputs=2:duration=first[aout]",
				"-map", "[v]", "-map", "[aout]",
				"-c:v", "libx264", "-preset", "ultrafast", "out.mp4",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, out := "in.mp4", "out.mp4"
			if tc.spec.MediaType == MediaImage {
				in, out = "in.png", "out.png"
			}
			if diff := cmp.Diff(tc.want, BuildArgs(tc.spec, in, tc.music, out, "")); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	ok := DefaultSpec(MediaVideo)
	assert.NoError(t, ok.Validate())

	bad := DefaultSpec(MediaVideo)
	bad.Rotation = 45
	bad.Speed = 5
	bad.Trim = Trim{Start: 4, End: 4}
	bad.AspectRatio = "21:9"
	err := bad.Validate()
	require.ErrorIs(t, err, ErrInvalidSpec)
	assert.Contains(t, err.Error(), "rotation")
	assert.Contains(t, err.Error(), "speed")
	assert.Contains(t, err.Error(), "trim")
	assert.Contains(t, err.Error(), "21:9")

	text := DefaultSpec(MediaImage)
	text.Text.Text = "hi"
	text.Text.BgColor = "black"
	assert.ErrorIs(t, text.Validate(), ErrInvalidSpec)

	assert.ErrorIs(t, EditSpec{}.Validate(), ErrInvalidSpec)
	assert.ErrorIs(t, ApplyPreset(&ok.Filters, "sparkle"), ErrInvalidSpec)
}

// fakeRunner records args and writes the output file ffmpeg would produce.
type fakeRunner struct {
	args [][]string
	err  error
}

func (r *fakeRunner) Run(_ context.Context, args []string) error {
	r.args = append(r.args, args)
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(args[len(args)-1], []byte("rendered"), 0o600)
}

func newTestEditor(t *testing.T, run Runner) (*Editor, *providertest.Server, *telemetry.Metrics) {
	t.Helper()
	fake := providertest.New(t)
	client, err := provider.NewClient(fake.URL, 5*time.Second, nil)
	require.NoError(t, err)
	m := telemetry.NewMetrics()
	return New(client, run, config.EditorConfig{WorkDir: t.TempDir()}, m, nil), fake, m
}

func TestExportDownloadsAndRenders(t *testing.T) {
	run := &fakeRunner{}
	ed, fake, m := newTestEditor(t, run)
	fake.AddMedia("/media/out.png", []byte("\x89PNG\r\n\x1a\n...."))

	spec := DefaultSpec("")
	res, err := ed.Export(context.Background(), fake.URL+"/media/out.png", spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, "pro_image.png", res.Filename)
	assert.Equal(t, "image/png", res.MimeType)
	body, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(body))

	require.Len(t, run.args, 1)
	assert.Equal(t, "input.png", filepath.Base(run.args[0][2]))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exports.WithLabelValues("image", "success")))

	require.NoError(t, res.Cleanup())
	_, err = os.Stat(res.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestExportLocalVideoWithMusic(t *testing.T) {
	run := &fakeRunner{}
	ed, _, _ := newTestEditor(t, run)
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mp4")
	music := filepath.Join(dir, "track.mp3")
	require.NoError(t, os.WriteFile(src, []byte("mp4"), 0o600))
	require.NoError(t, os.WriteFile(music, []byte("mp3"), 0o600))

	spec := DefaultSpec(MediaVideo)
	spec.MusicFile = music
	res, err := ed.Export(context.Background(), src, spec)
	require.NoError(t, err)
	defer res.Cleanup()

	assert.Equal(t, "video/mp4", res.MimeType)
	require.Len(t, run.args, 1)
	assert.Equal(t, src, run.args[0][2])
	assert.Equal(t, music, run.args[0][4])
}

func TestExportFailures(t *testing.T) {
	run := &fakeRunner{err: errors.New("exit status 1")}
	ed, fake, m := newTestEditor(t, run)
	fake.AddMedia("/media/clip.mp4", []byte("not really mp4"))

	_, err := ed.Export(context.Background(), fake.URL+"/media/missing.mp4", DefaultSpec(MediaVideo))
	assert.Error(t, err)

	bad := DefaultSpec(MediaVideo)
	bad.Speed = 0
	_, err = ed.Export(context.Background(), fake.URL+"/media/clip.mp4", bad)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.Empty(t, run.args)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exports.WithLabelValues("video", "invalid")))

	_, err = ed.Export(context.Background(), fake.URL+"/media/clip.mp4", DefaultSpec(MediaVideo))
	assert.Error(t, err)
	assert.Len(t, run.args, 1)
}

func TestFFmpegRunnerReportsFailure(t *testing.T) {
	r := NewFFmpeg(filepath.Join(t.TempDir(), "no-ffmpeg"), nil)
	err := r.Run(context.Background(), []string{"-version"})
	assert.ErrorIs(t, err, ErrFFmpeg)

	falseBin, lookErr := exec.LookPath("false")
	if lookErr != nil {
		t.Skip("false not available")
	}
	err = NewFFmpeg(falseBin, nil).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrFFmpeg)
}
