package moderation

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/modwatch/nsfwbot/pkg/logger"
)

// Responder issues the chat-visible moderation effects. Implemented by
// the chat transport adapter; each method may fail independently.
type Responder interface {
	SendReply(ctx context.Context, roomID id.RoomID, eventID id.EventID, text string) error
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error
}

// ActionSet is the immutable moderation policy, fixed at startup.
// ReportRoom is already resolved: always a room ID, never an alias.
type ActionSet struct {
	IgnoreSFW   bool
	DirectReply bool
	ReportRoom  id.RoomID
	RedactNSFW  bool
}

// Dispatcher applies the configured actions to one batch's results.
type Dispatcher struct {
	responder  Responder
	actions    ActionSet
	viaServers []string
}

func NewDispatcher(responder Responder, actions ActionSet, viaServers []string) *Dispatcher {
	return &Dispatcher{
		responder:  responder,
		actions:    actions,
		viaServers: viaServers,
	}
}

// Dispatch runs the action state machine for the triggering event.
// Each step fails soft: a reply failure never blocks the report or the
// redaction, and vice versa. At most one effect of each kind is issued
// per invocation. An empty batch issues nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID id.RoomID, eventID id.EventID, results *BatchResult) {
	if results == nil || results.Len() == 0 {
		return
	}

	nsfw := results.NSFW()
	if d.actions.IgnoreSFW && len(nsfw) == 0 {
		logger.InfoCF("actions", "Ignored SFW images", map[string]any{
			"room_id": roomID.String(),
		})
		return
	}

	response := FormatResults(results, PermalinkURL(roomID, eventID, d.viaServers))

	if d.actions.DirectReply {
		if err := d.responder.SendReply(ctx, roomID, eventID, response); err != nil {
			actionCount.WithLabelValues("reply", "error").Inc()
			logger.ErrorCF("actions", "Failed to reply", map[string]any{
				"room_id": roomID.String(),
				"error":   err.Error(),
			})
		} else {
			actionCount.WithLabelValues("reply", "ok").Inc()
			logger.InfoCF("actions", "Replied to room", map[string]any{
				"room_id": roomID.String(),
			})
		}
	}

	if d.actions.ReportRoom != "" {
		if err := d.responder.SendNotice(ctx, d.actions.ReportRoom, response); err != nil {
			actionCount.WithLabelValues("report", "error").Inc()
			logger.WarnCF("actions", "Failed to send report", map[string]any{
				"report_room": d.actions.ReportRoom.String(),
				"error":       err.Error(),
			})
		} else {
			actionCount.WithLabelValues("report", "ok").Inc()
			logger.InfoCF("actions", "Sent report", map[string]any{
				"report_room": d.actions.ReportRoom.String(),
			})
		}
	}

	if d.actions.RedactNSFW && len(nsfw) > 0 {
		if err := d.responder.RedactEvent(ctx, roomID, eventID, "NSFW"); err != nil {
			actionCount.WithLabelValues("redact", "error").Inc()
			logger.WarnCF("actions", "Failed to redact NSFW message", map[string]any{
				"room_id": roomID.String(),
				"error":   err.Error(),
			})
		} else {
			actionCount.WithLabelValues("redact", "ok").Inc()
			logger.InfoCF("actions", "Redacted NSFW message", map[string]any{
				"room_id": roomID.String(),
			})
		}
	}
}
