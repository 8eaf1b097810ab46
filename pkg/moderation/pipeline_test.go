package moderation

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modwatch/nsfwbot/pkg/classify"
)

// pngBytes is a minimal PNG signature, enough for content sniffing.
var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

type fakeDownloader struct {
	data map[ImageRef][]byte
	errs map[ImageRef]error
}

func (d *fakeDownloader) DownloadBytes(_ context.Context, ref ImageRef) ([]byte, error) {
	if err, ok := d.errs[ref]; ok {
		return nil, err
	}
	if data, ok := d.data[ref]; ok {
		return data, nil
	}
	return pngBytes, nil
}

type fakeClassifier struct {
	fn func(paths []string) (map[string]classify.Result, error)
}

func (c *fakeClassifier) ClassifyFiles(_ context.Context, paths []string) (map[string]classify.Result, error) {
	return c.fn(paths)
}

func allSFW(paths []string) (map[string]classify.Result, error) {
	out := make(map[string]classify.Result, len(paths))
	for _, p := range paths {
		out[p] = classify.Result{Label: classify.LabelSFW, Score: 0.1}
	}
	return out, nil
}

func tempFileCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestProcessImagesOrderAndDedupe(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(&fakeDownloader{}, &fakeClassifier{fn: allSFW}, PipelineOptions{TempDir: dir})

	results, err := p.ProcessImages(context.Background(),
		[]ImageRef{"mxc://a/1", "mxc://b/2", "mxc://a/1"})
	require.NoError(t, err)

	assert.Equal(t, []ImageRef{"mxc://a/1", "mxc://b/2"}, results.Refs())
	assert.Equal(t, 2, results.Len())
	assert.Equal(t, 0, tempFileCount(t, dir), "temp files must be cleaned up")
}

func TestProcessImagesSkipsFailedDownload(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{errs: map[ImageRef]error{"mxc://b/2": errors.New("M_NOT_FOUND")}}
	p := NewPipeline(dl, &fakeClassifier{fn: allSFW}, PipelineOptions{TempDir: dir})

	results, err := p.ProcessImages(context.Background(),
		[]ImageRef{"mxc://a/1", "mxc://b/2", "mxc://c/3"})
	require.NoError(t, err)

	assert.Equal(t, []ImageRef{"mxc://a/1", "mxc://c/3"}, results.Refs())
	_, ok := results.Get("mxc://b/2")
	assert.False(t, ok)
	assert.Equal(t, 0, tempFileCount(t, dir))
}

func TestProcessImagesSkipsNonImageBytes(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{data: map[ImageRef][]byte{"mxc://a/1": []byte("plain text")}}
	p := NewPipeline(dl, &fakeClassifier{fn: allSFW}, PipelineOptions{TempDir: dir})

	results, err := p.ProcessImages(context.Background(), []ImageRef{"mxc://a/1"})
	require.NoError(t, err)
	assert.Equal(t, 0, results.Len())
	assert.Equal(t, 0, tempFileCount(t, dir))
}

func TestProcessImagesSkipsOversizedMedia(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(&fakeDownloader{}, &fakeClassifier{fn: allSFW}, PipelineOptions{
		TempDir:       dir,
		MaxImageBytes: 4,
	})

	results, err := p.ProcessImages(context.Background(), []ImageRef{"mxc://a/1"})
	require.NoError(t, err)
	assert.Equal(t, 0, results.Len())
}

func TestProcessImagesClassifierErrorAbortsBatch(t *testing.T) {
	dir := t.TempDir()
	boom := &classify.Error{Op: "invoke", Err: errors.New("service down")}
	p := NewPipeline(&fakeDownloader{}, &fakeClassifier{
		fn: func([]string) (map[string]classify.Result, error) { return nil, boom },
	}, PipelineOptions{TempDir: dir})

	_, err := p.ProcessImages(context.Background(), []ImageRef{"mxc://a/1", "mxc://b/2"})
	require.Error(t, err)

	var cerr *classify.Error
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, 0, tempFileCount(t, dir), "temp files must be cleaned up on failure too")
}

func TestProcessImagesStarvedResultIsError(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(&fakeDownloader{}, &fakeClassifier{
		fn: func(paths []string) (map[string]classify.Result, error) {
			out, _ := allSFW(paths)
			delete(out, paths[len(paths)-1])
			return out, nil
		},
	}, PipelineOptions{TempDir: dir})

	_, err := p.ProcessImages(context.Background(), []ImageRef{"mxc://a/1", "mxc://b/2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result for")
	assert.Equal(t, 0, tempFileCount(t, dir))
}

func TestProcessImagesGateBoundsConcurrency(t *testing.T) {
	const maxJobs = 2
	const batches = 8

	var inFlight, maxObserved atomic.Int64
	release := make(chan struct{})

	p := NewPipeline(&fakeDownloader{}, &fakeClassifier{
		fn: func(paths []string) (map[string]classify.Result, error) {
			cur := inFlight.Add(1)
			for {
				prev := maxObserved.Load()
				if cur <= prev || maxObserved.CompareAndSwap(prev, cur) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return allSFW(paths)
		},
	}, PipelineOptions{MaxConcurrentJobs: maxJobs, TempDir: t.TempDir()})

	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.ProcessImages(context.Background(), []ImageRef{"mxc://a/1"})
			assert.NoError(t, err)
		}()
	}

	close(release)
	wg.Wait()

	assert.LessOrEqual(t, maxObserved.Load(), int64(maxJobs))
	assert.GreaterOrEqual(t, maxObserved.Load(), int64(1))
}

func TestProcessImagesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(&fakeDownloader{}, &fakeClassifier{fn: allSFW}, PipelineOptions{
		MaxConcurrentJobs: 1,
		TempDir:           t.TempDir(),
	})

	// hold the only slot so Acquire has to honor the canceled context
	require.NoError(t, p.gate.Acquire(context.Background(), 1))
	defer p.gate.Release(1)

	_, err := p.ProcessImages(ctx, []ImageRef{"mxc://a/1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire job slot")
}
