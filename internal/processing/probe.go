package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/h2non/bimg"
	"github.com/xfrr/goffmpeg/transcoder"

	"mediavault/internal/domain"
)

// Prober извлекает метаданные из содержимого файла
type Prober interface {
	Probe(ctx context.Context, r io.Reader) (domain.MediaMetadata, error)
}

// ErrTooLarge - содержимое больше предела, который обработчик готов держать в памяти
var ErrTooLarge = errors.New("media too large to probe")

// DefaultMaxImageBytes - предел размера изображения, читаемого в память целиком
const DefaultMaxImageBytes = 64 << 20

// ImageProber читает размеры изображения через libvips.
// libvips разбирает буфер, поэтому изображение читается в память не больше MaxBytes.
type ImageProber struct {
	MaxBytes int64
}

func (p ImageProber) Probe(_ context.Context, r io.Reader) (domain.MediaMetadata, error) {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxImageBytes
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > limit {
		return domain.MediaMetadata{}, fmt.Errorf("image exceeds %d bytes: %w", limit, ErrTooLarge)
	}

	size, err := bimg.NewImage(data).Size()
	if err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("failed to read image size: %w", err)
	}

	return domain.MediaMetadata{Width: &size.Width, Height: &size.Height}, nil
}

// FFProbeProber читает размеры и длительность видео и аудио через ffprobe.
// ffprobe работает с файлами, поэтому поток сначала сохраняется во временный файл.
type FFProbeProber struct {
	TempDir string
}

func (p FFProbeProber) Probe(ctx context.Context, r io.Reader) (domain.MediaMetadata, error) {
	input, err := os.CreateTemp(p.TempDir, "probe-*")
	if err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(input.Name())

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(input, r)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			input.Close()
			return domain.MediaMetadata{}, fmt.Errorf("failed to copy media data: %w", err)
		}
	case <-ctx.Done():
		input.Close()
		return domain.MediaMetadata{}, ctx.Err()
	}
	if err := input.Close(); err != nil {
		return domain.MediaMetadata{}, err
	}

	trans := new(transcoder.Transcoder)
	// вывод не создается: транскодирование не запускается
	if err := trans.Initialize(input.Name(), filepath.Join(os.TempDir(), "probe-discard")); err != nil {
		return domain.MediaMetadata{}, fmt.Errorf("failed to probe media: %w", err)
	}

	meta := trans.MediaFile().Metadata()

	var out domain.MediaMetadata
	for _, stream := range meta.Streams {
		if stream.Width > 0 && stream.Height > 0 {
			w, h := stream.Width, stream.Height
			out.Width, out.Height = &w, &h
			break
		}
	}
	if d, ok := parseDuration(meta.Format.Duration); ok {
		out.Duration = &d
	}
	return out, nil
}

// parseDuration переводит длительность ffprobe ("12.480000") в целые секунды
func parseDuration(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Round(f)), true
}
