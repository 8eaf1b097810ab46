// Package channels contains the chat transport adapters. The Matrix
// channel feeds message events into the moderation pipeline and issues
// the pipeline's moderation effects through the same client.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/modwatch/nsfwbot/pkg/classify"
	"github.com/modwatch/nsfwbot/pkg/config"
	"github.com/modwatch/nsfwbot/pkg/extract"
	"github.com/modwatch/nsfwbot/pkg/logger"
	"github.com/modwatch/nsfwbot/pkg/moderation"
)

// dedupeCleanThreshold is the number of cached event IDs that triggers
// a lazy cleanup pass inside the message handler.
const dedupeCleanThreshold = 500

// dedupeExpiry is how long an event ID is kept in the dedup cache.
const dedupeExpiry = 10 * time.Minute

// MatrixChannel connects the bot to a Matrix homeserver. It implements
// moderation.MediaDownloader and moderation.Responder so the pipeline
// and dispatcher stay transport-agnostic.
type MatrixChannel struct {
	client     *mautrix.Client
	cfg        *config.Config
	pipeline   *moderation.Pipeline
	dispatcher *moderation.Dispatcher

	runCtx    context.Context
	startTime time.Time
	jobs      sync.WaitGroup

	recentEventIDs sync.Map // event_id -> time.Time
	dedupeCount    atomic.Int64
}

func NewMatrix(cfg *config.Config, classifier classify.Classifier) (*MatrixChannel, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}

	m := &MatrixChannel{
		client: client,
		cfg:    cfg,
	}
	m.pipeline = moderation.NewPipeline(m, classifier, moderation.PipelineOptions{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxImageBytes:     cfg.Classifier.MaxImageBytes,
	})
	return m, nil
}

// Start resolves the report room, registers the sync handler and runs
// the sync loop until ctx is canceled. In-flight moderation jobs are
// drained before returning.
func (m *MatrixChannel) Start(ctx context.Context) error {
	m.runCtx = ctx
	m.startTime = time.Now()

	reportRoom := m.resolveReportRoom(ctx)
	m.dispatcher = moderation.NewDispatcher(m, moderation.ActionSet{
		IgnoreSFW:   m.cfg.Actions.IgnoreSFW,
		DirectReply: m.cfg.Actions.DirectReply,
		ReportRoom:  reportRoom,
		RedactNSFW:  m.cfg.Actions.RedactNSFW,
	}, m.cfg.ViaServers)

	syncer := m.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, m.handleMessage)

	logger.InfoCF("matrix", "Loaded nsfwbot successfully", map[string]any{
		"user_id":     m.cfg.UserID,
		"report_room": reportRoom.String(),
	})

	err := m.client.SyncWithContext(ctx)
	m.jobs.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// resolveReportRoom turns the configured report target into a room ID.
// Aliases are resolved exactly once, here. On failure the channel stays
// up with reporting disabled rather than crashing.
func (m *MatrixChannel) resolveReportRoom(ctx context.Context) id.RoomID {
	target := m.cfg.Actions.ReportToRoom
	switch {
	case target == "":
		return ""
	case strings.HasPrefix(target, "#"):
		resp, err := m.client.ResolveAlias(ctx, id.RoomAlias(target))
		if err != nil {
			logger.WarnCF("matrix", "Failed to resolve report room alias, reporting disabled", map[string]any{
				"alias": target,
				"error": err.Error(),
			})
			return ""
		}
		return resp.RoomID
	case strings.HasPrefix(target, "!"):
		return id.RoomID(target)
	}
	logger.WarnCF("matrix", "Invalid room ID or alias provided for report_to_room", map[string]any{
		"target": target,
	})
	return ""
}

func (m *MatrixChannel) handleMessage(_ context.Context, evt *event.Event) {
	if evt.Sender == m.client.UserID {
		return
	}
	// sync backfill delivers history; only moderate what arrives live
	if time.UnixMilli(evt.Timestamp).Before(m.startTime) {
		return
	}
	if m.shouldSkipDuplicate(evt.ID) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	refs := imageRefs(content)
	if len(refs) == 0 {
		return
	}

	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()
		m.moderate(m.runCtx, evt, refs)
	}()
}

func (m *MatrixChannel) moderate(ctx context.Context, evt *event.Event, refs []moderation.ImageRef) {
	results, err := m.pipeline.ProcessImages(ctx, refs)
	if err != nil {
		// fail safe: a broken batch produces no chat-visible output
		logger.ErrorCF("matrix", "Error processing images", map[string]any{
			"room_id":  evt.RoomID.String(),
			"event_id": evt.ID.String(),
			"error":    err.Error(),
		})
		return
	}
	m.dispatcher.Dispatch(ctx, evt.RoomID, evt.ID, results)
}

// imageRefs extracts the moderation candidates from a message: the
// direct content URI of an image message, or every embedded mxc image
// of an HTML-formatted text message.
func imageRefs(content *event.MessageEventContent) []moderation.ImageRef {
	switch content.MsgType {
	case event.MsgImage:
		// encrypted rooms carry the URI inside content.File; those
		// messages are left alone
		url := string(content.URL)
		if strings.HasPrefix(url, "mxc://") {
			return []moderation.ImageRef{moderation.ImageRef(url)}
		}
	case event.MsgText:
		if content.Format != event.FormatHTML {
			return nil
		}
		var refs []moderation.ImageRef
		for _, src := range extract.ImageSources(content.FormattedBody) {
			if strings.HasPrefix(src, "mxc://") {
				refs = append(refs, moderation.ImageRef(src))
			}
		}
		return refs
	}
	return nil
}

// DownloadBytes implements moderation.MediaDownloader.
func (m *MatrixChannel) DownloadBytes(ctx context.Context, ref moderation.ImageRef) ([]byte, error) {
	uri, err := id.ParseContentURI(string(ref))
	if err != nil {
		return nil, fmt.Errorf("parse content URI: %w", err)
	}
	return m.client.DownloadBytes(ctx, uri)
}

// SendReply implements moderation.Responder. The summary goes out as a
// notice so other bots ignore it.
func (m *MatrixChannel) SendReply(ctx context.Context, roomID id.RoomID, eventID id.EventID, text string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: eventID},
		},
	}
	_, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

// SendNotice implements moderation.Responder.
func (m *MatrixChannel) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := m.client.SendNotice(ctx, roomID, text)
	return err
}

// RedactEvent implements moderation.Responder.
func (m *MatrixChannel) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	_, err := m.client.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	return err
}

// shouldSkipDuplicate deduplicates events by ID; the sync loop can
// redeliver an event after a reconnect.
func (m *MatrixChannel) shouldSkipDuplicate(eventID id.EventID) bool {
	if eventID == "" {
		return false
	}

	if _, loaded := m.recentEventIDs.LoadOrStore(eventID, time.Now()); loaded {
		logger.DebugCF("matrix", "Duplicate event skipped", map[string]any{
			"event_id": eventID.String(),
		})
		return true
	}

	if m.dedupeCount.Add(1) >= int64(dedupeCleanThreshold) {
		m.cleanExpiredDedupeEntries()
	}
	return false
}

// cleanExpiredDedupeEntries removes event IDs older than dedupeExpiry
// and resets the approximate counter.
func (m *MatrixChannel) cleanExpiredDedupeEntries() {
	cutoff := time.Now().Add(-dedupeExpiry)
	m.recentEventIDs.Range(func(key, value any) bool {
		if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
			m.recentEventIDs.Delete(key)
		}
		return true
	})
	m.dedupeCount.Store(0)
}
