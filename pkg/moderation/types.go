// Package moderation implements the image moderation pipeline: fetch,
// classify, map results back to their references, and dispatch the
// configured moderation actions.
package moderation

import (
	"context"

	"github.com/modwatch/nsfwbot/pkg/classify"
)

// ImageRef is the stable identity of an image as the chat system knows
// it (an mxc:// content URI). Created when a message arrives, never
// mutated, discarded after one pipeline run.
type ImageRef string

// MediaDownloader retrieves the raw bytes behind an image reference.
// Implemented by the chat transport adapter.
type MediaDownloader interface {
	DownloadBytes(ctx context.Context, ref ImageRef) ([]byte, error)
}

// BatchResult maps image references to classifier results, preserving
// the order references were first seen in the triggering message.
// Duplicate references collapse to one entry, first seen wins.
type BatchResult struct {
	order   []ImageRef
	results map[ImageRef]classify.Result
}

func NewBatchResult() *BatchResult {
	return &BatchResult{results: make(map[ImageRef]classify.Result)}
}

// Put records a result for ref. A ref that is already present keeps
// its existing result and position.
func (b *BatchResult) Put(ref ImageRef, res classify.Result) {
	if _, ok := b.results[ref]; ok {
		return
	}
	b.order = append(b.order, ref)
	b.results[ref] = res
}

func (b *BatchResult) Get(ref ImageRef) (classify.Result, bool) {
	res, ok := b.results[ref]
	return res, ok
}

func (b *BatchResult) Len() int {
	return len(b.order)
}

// Refs returns the references in first-seen order.
func (b *BatchResult) Refs() []ImageRef {
	return b.order
}

// NSFW returns the results labelled NSFW, in first-seen order.
func (b *BatchResult) NSFW() []classify.Result {
	var nsfw []classify.Result
	for _, ref := range b.order {
		if res := b.results[ref]; res.Label == classify.LabelNSFW {
			nsfw = append(nsfw, res)
		}
	}
	return nsfw
}
