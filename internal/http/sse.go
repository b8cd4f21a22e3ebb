package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
)

// snapshotEvent is the first SSE event on every stream: the manifest, its
// lanes, and current stats, so a late subscriber starts from full state.
type snapshotEvent struct {
	Manifest *lane.Manifest `json:"manifest"`
	Lanes    []*lane.Lane   `json:"lanes"`
	Stats    *lane.Stats    `json:"stats"`
}

// handleEvents streams a manifest's lifecycle over Server-Sent Events.
//
// The stream opens with a snapshot event, then relays every bus event for
// the manifest in publication order. A keep-alive comment is written after
// each idle interval to defeat proxy timeouts. The stream ends when the
// manifest completes or the client disconnects.
//
// Example:
//
//	GET /api/v1/manifests/{id}/events
//
//	event: snapshot
//	data: {"manifest":{...},"lanes":[...],"stats":{...}}
//
//	event: lane.transitioned
//	data: {"lane_id":"...","from":"pending","to":"running",...}
//
//	event: manifest.completed
//	data: {"manifest_id":"...","summary":{...}}
func (s *Server) handleEvents(c echo.Context) error {
	manifestID := c.Param("id")

	m, err := s.store.GetManifest(manifestID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "manifest not found")
	}

	// Subscribe before the snapshot so no transition is lost in between.
	// Bus delivery is synchronous, so the channel buffers and the pump
	// below drains; events past a full buffer are dropped with a warning.
	// Completion rides its own channel so a saturated buffer can never
	// drop it and leave the stream open forever.
	events := make(chan lane.Event, 256)
	completed := make(chan lane.Event, 1)
	unsubscribe := s.store.Subscribe(manifestID, func(ev lane.Event) {
		if ev.Kind() == lane.EventManifestCompleted {
			completed <- ev
			return
		}
		select {
		case events <- ev:
		default:
			s.logger.Warn("dropping sse event, stream buffer full",
				zap.String("manifest_id", manifestID),
				zap.String("kind", string(ev.Kind())))
		}
	})
	defer unsubscribe()

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	lanes, err := s.store.GetLanesByManifest(manifestID)
	if err != nil {
		return err
	}
	stats, err := s.store.GetStats(manifestID)
	if err != nil {
		return err
	}
	if err := writeSSE(c, "snapshot", snapshotEvent{Manifest: m, Lanes: lanes, Stats: stats}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if err := writeSSE(c, string(ev.Kind()), ev); err != nil {
				return err
			}

		case ev := <-completed:
			// Flush whatever the pump has not caught up on so the
			// completion event stays last.
			for drained := false; !drained; {
				select {
				case pending := <-events:
					if err := writeSSE(c, string(pending.Kind()), pending); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			if err := writeSSE(c, string(ev.Kind()), ev); err != nil {
				return err
			}
			return nil

		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": keep-alive\n\n"); err != nil {
				return err
			}
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func writeSSE(c echo.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
