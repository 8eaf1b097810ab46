package moderation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"golang.org/x/sync/semaphore"

	"github.com/modwatch/nsfwbot/pkg/classify"
	"github.com/modwatch/nsfwbot/pkg/logger"
)

// Pipeline runs the fetch → classify → map workflow for one message
// batch at a time, with at most maxConcurrentJobs batches in flight.
type Pipeline struct {
	gate          *semaphore.Weighted
	downloader    MediaDownloader
	classifier    classify.Classifier
	tempDir       string
	maxImageBytes int64
}

type PipelineOptions struct {
	// MaxConcurrentJobs bounds concurrently in-flight batches. Values
	// below 1 are treated as 1.
	MaxConcurrentJobs int
	// TempDir receives the transient image files. Empty means the
	// system temp dir.
	TempDir string
	// MaxImageBytes caps a single download; oversized images are
	// skipped, not fetched.
	MaxImageBytes int64
}

func NewPipeline(downloader MediaDownloader, classifier classify.Classifier, opts PipelineOptions) *Pipeline {
	jobs := opts.MaxConcurrentJobs
	if jobs < 1 {
		jobs = 1
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Pipeline{
		gate:          semaphore.NewWeighted(int64(jobs)),
		downloader:    downloader,
		classifier:    classifier,
		tempDir:       tempDir,
		maxImageBytes: opts.MaxImageBytes,
	}
}

type fetchedImage struct {
	ref  ImageRef
	path string
}

// ProcessImages downloads the referenced images, classifies them as a
// batch and returns results keyed by reference in first-seen order.
//
// A single reference whose download fails (or whose bytes are not an
// image) is skipped with a warning; a classifier failure aborts the
// whole batch. Every temp file created here is removed before return,
// success or failure.
func (p *Pipeline) ProcessImages(ctx context.Context, refs []ImageRef) (*BatchResult, error) {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire job slot: %w", err)
	}
	defer p.gate.Release(1)

	fetched := p.fetchAll(ctx, dedupe(refs))
	defer p.cleanup(fetched)

	if len(fetched) == 0 {
		return NewBatchResult(), nil
	}

	paths := make([]string, len(fetched))
	for i, f := range fetched {
		paths[i] = f.path
	}

	predictions, err := p.classifier.ClassifyFiles(ctx, paths)
	if err != nil {
		batchCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("classify batch: %w", err)
	}

	results := NewBatchResult()
	for _, f := range fetched {
		res, ok := predictions[f.path]
		if !ok {
			batchCount.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("classify batch: no result for %s", f.ref)
		}
		results.Put(f.ref, res)
	}
	batchCount.WithLabelValues("ok").Inc()
	return results, nil
}

// fetchAll materializes each reference to a uniquely named temp file.
// Per-reference failures are logged and skipped; the returned slice
// preserves input order.
func (p *Pipeline) fetchAll(ctx context.Context, refs []ImageRef) []fetchedImage {
	var fetched []fetchedImage
	for _, ref := range refs {
		path, err := p.fetchOne(ctx, ref)
		if err != nil {
			logger.WarnCF("pipeline", "Skipping image", map[string]any{
				"ref":   string(ref),
				"error": err.Error(),
			})
			continue
		}
		fetched = append(fetched, fetchedImage{ref: ref, path: path})
	}
	return fetched
}

func (p *Pipeline) fetchOne(ctx context.Context, ref ImageRef) (string, error) {
	data, err := p.downloader.DownloadBytes(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	if p.maxImageBytes > 0 && int64(len(data)) > p.maxImageBytes {
		return "", fmt.Errorf("media too large: %d bytes", len(data))
	}
	if !filetype.IsImage(data) {
		return "", fmt.Errorf("media is not an image")
	}

	ext := "jpg"
	if kind, err := filetype.Match(data); err == nil && kind.Extension != "" {
		ext = kind.Extension
	}

	path := filepath.Join(p.tempDir, fmt.Sprintf("%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return path, nil
}

// cleanup deletes the batch's temp files. Removal failures are logged
// and never surfaced; cleanup must not mask the primary error.
func (p *Pipeline) cleanup(fetched []fetchedImage) {
	for _, f := range fetched {
		if err := os.Remove(f.path); err != nil {
			logger.WarnCF("pipeline", "Failed to remove temp file", map[string]any{
				"path":  f.path,
				"error": err.Error(),
			})
		}
	}
}

// dedupe drops repeated references, keeping first-seen order.
func dedupe(refs []ImageRef) []ImageRef {
	seen := make(map[ImageRef]struct{}, len(refs))
	out := make([]ImageRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
