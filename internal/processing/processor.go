// Package processing в фоне дополняет медиафайлы метаданными:
// размерами изображений и видео, длительностью видео и аудио.
package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediavault/internal/domain"
	"mediavault/internal/metrics"
)

const (
	defaultWorkers       = 2
	defaultQueueSize     = 256
	defaultSweepInterval = 5 * time.Minute
	defaultSweepBatch    = 100
	jobTimeout           = 2 * time.Minute
)

// Store - часть хранилища метаданных, нужная обработчику
type Store interface {
	GetMedia(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error)
	ListUnprocessed(ctx context.Context, limit int) ([]domain.MediaFile, error)
	UpdateMediaMetadata(ctx context.Context, id uuid.UUID, meta domain.MediaMetadata) error
}

// Source отдает содержимое файла по пути хранения
type Source interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

type Options struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	SweepBatch    int
	// MaxImageBytes - изображения больше этого размера не открываются
	MaxImageBytes int64
}

type Processor struct {
	store   Store
	source  Source
	probers map[domain.FileType]Prober
	metrics *metrics.Metrics
	opts    Options
	logger  *zap.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup
}

// DefaultProbers - bimg для изображений и ffprobe для видео и аудио
func DefaultProbers(tempDir string, maxImageBytes int64) map[domain.FileType]Prober {
	ff := FFProbeProber{TempDir: tempDir}
	return map[domain.FileType]Prober{
		domain.FileTypeImage: ImageProber{MaxBytes: maxImageBytes},
		domain.FileTypeVideo: ff,
		domain.FileTypeAudio: ff,
	}
}

func NewProcessor(store Store, source Source, probers map[domain.FileType]Prober, m *metrics.Metrics, opts Options, logger *zap.Logger) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = defaultSweepBatch
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	return &Processor{
		store:   store,
		source:  source,
		probers: probers,
		metrics: m,
		opts:    opts,
		logger:  logger.Named("processing"),
		queue:   make(chan uuid.UUID, opts.QueueSize),
	}
}

// Enqueue ставит файл в очередь и никогда не блокирует.
// При переполненной очереди id отбрасывается и будет подобран при обходе.
func (p *Processor) Enqueue(id uuid.UUID) bool {
	select {
	case p.queue <- id:
		return true
	default:
		p.logger.Debug("processing queue is full", zap.Stringer("media_id", id))
		return false
	}
}

// Start запускает воркеры и периодический обход необработанных файлов
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("media processing started",
		zap.Int("workers", p.opts.Workers),
		zap.Duration("sweep_interval", p.opts.SweepInterval))

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait блокируется до остановки всех горутин обработки
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	for {
		select {
		case id := <-p.queue:
			if err := p.Process(ctx, id); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to process media", zap.Stringer("media_id", id), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep ставит в очередь файлы, которые еще не обработаны
func (p *Processor) Sweep(ctx context.Context) int {
	pending, err := p.store.ListUnprocessed(ctx, p.opts.SweepBatch)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to list unprocessed media", zap.Error(err))
		}
		return 0
	}

	var queued int
	for _, m := range pending {
		if !p.Enqueue(m.ID) {
			break
		}
		queued++
	}
	return queued
}

// Process дополняет один файл метаданными и помечает его обработанным.
// Ошибка разбора содержимого не повторяется: файл помечается без метаданных.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	m, err := p.store.GetMedia(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.metrics.IncProcessing(metrics.ResultSkipped)
			return nil
		}
		p.metrics.IncProcessing(metrics.ResultError)
		return fmt.Errorf("failed to get media: %w", err)
	}
	if m.IsProcessed || m.IsDeleted {
		p.metrics.IncProcessing(metrics.ResultSkipped)
		return nil
	}

	meta, result := p.probe(ctx, m)
	if ctx.Err() != nil {
		p.metrics.IncProcessing(metrics.ResultCanceled)
		return ctx.Err()
	}

	if err := p.store.UpdateMediaMetadata(ctx, id, meta); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.metrics.IncProcessing(metrics.ResultSkipped)
			return nil
		}
		p.metrics.IncProcessing(metrics.ResultError)
		return fmt.Errorf("failed to save media metadata: %w", err)
	}

	p.metrics.IncProcessing(result)
	return nil
}

func (p *Processor) probe(ctx context.Context, m *domain.MediaFile) (domain.MediaMetadata, string) {
	prober, ok := p.probers[m.FileType]
	if !ok {
		return domain.MediaMetadata{}, metrics.ResultSkipped
	}
	// тип заявлен клиентом: большой файл с типом image/* не читаем в память
	if m.FileType == domain.FileTypeImage && m.FileSize > p.opts.MaxImageBytes {
		p.logger.Info("image too large to probe",
			zap.Stringer("media_id", m.ID),
			zap.Int64("size", m.FileSize),
			zap.Int64("limit", p.opts.MaxImageBytes))
		return domain.MediaMetadata{}, metrics.ResultSkipped
	}

	rc, err := p.source.Open(ctx, m.StoragePath)
	if err != nil {
		p.logger.Warn("failed to open media for probing",
			zap.Stringer("media_id", m.ID),
			zap.String("path", m.StoragePath),
			zap.Error(err))
		return domain.MediaMetadata{}, metrics.ResultError
	}
	defer rc.Close()

	meta, err := prober.Probe(ctx, rc)
	if err != nil {
		p.logger.Warn("failed to probe media",
			zap.Stringer("media_id", m.ID),
			zap.String("file_type", string(m.FileType)),
			zap.Error(err))
		return domain.MediaMetadata{}, metrics.ResultError
	}
	return meta, metrics.ResultOK
}
