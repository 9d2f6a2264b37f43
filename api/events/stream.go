// Package events serves the live event stream over Server-Sent Events.
package events

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/core/logger"
)

// Streamer produces SSE frames for a subscriber.
type Streamer interface {
	Stream(ctx context.Context, topics []string, yield func(frame string) error) error
}

// Handler streams hub events to the client until it disconnects. The
// repeatable "events" query parameter filters event names.
func Handler(hub Streamer, log logger.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	return func(c *gin.Context) {
		topics := c.QueryArray("events")
		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Status(200)
		c.Writer.Flush()

		err := hub.Stream(c.Request.Context(), topics, func(frame string) error {
			if _, err := io.WriteString(c.Writer, frame); err != nil {
				return err
			}
			c.Writer.Flush()
			return nil
		})
		if err != nil {
			log.Debugf("event stream closed: %v", err)
		}
	}
}
