// Package video validates ordered frame sequences and hands them to an
// encoder. Encoders write an opaque byte stream; the package guarantees
// only frame order and uniform frame size.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, opsf = monitoring.Prefixed("video")

// MaxFPS is the highest frame rate accepted.
const MaxFPS = 60

// ErrInvalidFrameRate is returned for a frame rate outside [1, MaxFPS].
var ErrInvalidFrameRate = errors.New("invalid frame rate")

// Encoder writes frames as one encoded stream.
type Encoder interface {
	Encode(ctx context.Context, frames []image.Image, fps int, w io.Writer) error
	ContentType() string
	Ext() string
}

// Validate checks that frames is non-empty and every frame has the size
// of the first.
func Validate(frames []image.Image) error {
	if len(frames) == 0 {
		return field.ErrEmptyFrameSequence
	}
	want := frames[0].Bounds().Size()
	for i, f := range frames[1:] {
		if got := f.Bounds().Size(); got != want {
			return fmt.Errorf("%w: frame %d is %dx%d, frame 0 is %dx%d",
				field.ErrFrameSizeMismatch, i+1, got.X, got.Y, want.X, want.Y)
		}
	}
	return nil
}

// Assemble validates frames and encodes them in order.
func Assemble(ctx context.Context, frames []image.Image, fps int, enc Encoder, w io.Writer) error {
	if err := Validate(frames); err != nil {
		return err
	}
	if fps < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidFrameRate, fps)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	size := frames[0].Bounds().Size()
	logf("encoding %d frames %dx%d at %d fps as %s", len(frames), size.X, size.Y, fps, enc.Ext())
	if err := enc.Encode(ctx, frames, fps, w); err != nil {
		return fmt.Errorf("encode %s: %w", enc.Ext(), err)
	}
	return nil
}

// ByName returns the encoder for "mp4" (alias "ffmpeg"), "gif" or "png".
func ByName(name string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mp4", "ffmpeg":
		return &FFmpegEncoder{}, nil
	case "gif":
		return GIFEncoder{}, nil
	case "png":
		return PNGEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown encoder %q (want mp4, gif or png)", name)
	}
}

// SuggestedFilename returns "<parameter>_animation<ext>" with spaces and
// path separators replaced by underscores.
func SuggestedFilename(parameter, ext string) string {
	name := strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(strings.TrimSpace(parameter))
	if name == "" {
		name = "field"
	}
	return name + "_animation" + ext
}
