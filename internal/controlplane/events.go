package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

const (
	defaultEventInterval = time.Second
	minEventInterval     = 100 * time.Millisecond
	eventWriteTimeout    = 5 * time.Second
)

// events streams the pipeline summary over a websocket until the client
// goes away or the server shuts down.
//
//	GET /v1/events?interval=1s
func (h *handler) events(c *gin.Context) {
	interval := defaultEventInterval
	if raw := c.Query("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
			return
		}
		interval = max(d, minEventInterval)
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("control plane events accept", "error", err)
		return
	}
	defer conn.CloseNow()

	// nothing is read from the client; CloseRead handles pings and close frames
	ctx := conn.CloseRead(c.Request.Context())
	slog.Debug("control plane events subscribed", "ip", c.ClientIP(), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.writeSummary(ctx, conn); err != nil {
			if !isExpectedClose(err) {
				slog.Warn("control plane events write", "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case <-ticker.C:
		}
	}
}

func (h *handler) writeSummary(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, h.svc.Summary())
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
