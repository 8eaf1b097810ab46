package moderation

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// FormatResults renders one line per classified image:
//
//	<ref> in <permalink> appears <label> with score <pct>
//
// With two or more entries every line gets a "- " bullet; a single
// entry has none. An empty batch renders to "".
func FormatResults(results *BatchResult, permalink string) string {
	if results == nil || results.Len() == 0 {
		return ""
	}

	lines := make([]string, 0, results.Len())
	for _, ref := range results.Refs() {
		res, _ := results.Get(ref)
		lines = append(lines, fmt.Sprintf("%s in %s appears %s with score %.2f%%",
			ref, permalink, res.Label, res.Score*100))
	}

	if len(lines) > 1 {
		return "- " + strings.Join(lines, "\n- ")
	}
	return lines[0]
}

// PermalinkURL builds a matrix.to deep link for the triggering event,
// annotated with the configured via servers in order.
func PermalinkURL(roomID id.RoomID, eventID id.EventID, viaServers []string) string {
	var via strings.Builder
	for i, server := range viaServers {
		if i == 0 {
			via.WriteString("?via=")
		} else {
			via.WriteString("&via=")
		}
		via.WriteString(server)
	}
	return fmt.Sprintf("https://matrix.to/#/%s/%s%s", roomID, eventID, via.String())
}
