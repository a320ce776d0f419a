package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrEncoderUnavailable is returned when the ffmpeg binary cannot be found.
var ErrEncoderUnavailable = errors.New("ffmpeg not available")

// FFmpegEncoder pipes PNG frames into ffmpeg and streams back H.264 in a
// fragmented MP4 container.
type FFmpegEncoder struct {
	// Path is the ffmpeg binary; empty means "ffmpeg" on $PATH.
	Path string
	// CRF is the x264 constant rate factor; zero means 23.
	CRF int
	// Preset is the x264 preset; empty means "medium".
	Preset string
}

func (*FFmpegEncoder) ContentType() string { return "video/mp4" }
func (*FFmpegEncoder) Ext() string         { return ".mp4" }

// Args returns the ffmpeg argument list for fps.
func (e *FFmpegEncoder) Args(fps int) []string {
	crf := e.CRF
	if crf == 0 {
		crf = 23
	}
	preset := e.Preset
	if preset == "" {
		preset = "medium"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe", "-framerate", strconv.Itoa(fps), "-c:v", "png", "-i", "-",
		// x264 with yuv420p needs even dimensions.
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264", "-preset", preset, "-crf", strconv.Itoa(crf), "-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", "pipe:1",
	}
}

// Encode runs ffmpeg, writing frames to its stdin and copying its stdout
// to w. Cancelling ctx kills the process.
func (e *FFmpegEncoder) Encode(ctx context.Context, frames []image.Image, fps int, w io.Writer) error {
	bin := e.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, path, e.Args(fps)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = w
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		for i, f := range frames {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := enc.Encode(stdin, f); err != nil {
				return fmt.Errorf("write frame %d: %w", i, err)
			}
		}
		return nil
	})
	writeErr := g.Wait()
	waitErr := cmd.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		opsf("ffmpeg failed: %v: %s", waitErr, msg)
		return fmt.Errorf("ffmpeg: %w: %s", waitErr, msg)
	}
	return writeErr
}
