package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

const streamHeartbeat = 15 * time.Second

func (s *Server) GetUsageSnapshot(c *gin.Context) {
	snap := s.ent.GetUsageSnapshot(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

// StreamUsage pushes a full snapshot as a server-sent event on subscribe and
// after every change to the user's tier or usage.
func (s *Server) StreamUsage(c *gin.Context) {
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	ctx := c.Request.Context()
	snapshots := make(chan entitlementdomain.Snapshot, 4)
	unsubscribe := s.ent.Subscribe(ctx, func(snap entitlementdomain.Snapshot) {
		// Latest wins: a slow client drops the oldest pending snapshot.
		for {
			select {
			case snapshots <- snap:
				return
			default:
			}
			select {
			case <-snapshots:
			default:
			}
		}
	})
	defer unsubscribe()

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			if err := writeUsageEvent(writer, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeUsageEvent(w io.Writer, snap entitlementdomain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: usage\ndata: %s\n\n", data)
	return err
}
