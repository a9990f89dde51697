package statushttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/openmined/syftsync/internal/sync"
)

const (
	writeTimeout     = 5 * time.Second
	eventsBufferSize = 64
)

// Events streams SyncStatusEvents of every instance, or only ?tag=, over a
// websocket as JSON messages.
func (h *handlers) Events(ctx *gin.Context) {
	engines := h.engines.Engines()
	if tag := ctx.Query("tag"); tag != "" {
		e := h.engines.Engine(tag)
		if e == nil {
			ctx.PureJSON(http.StatusNotFound, &ErrorResponse{Error: fmt.Sprintf("no sync instance %q", tag)})
			return
		}
		engines = []*sync.SyncEngine{e}
	}

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.Warn("status events accept", "error", err)
		return
	}
	defer conn.CloseNow()

	// the client only listens; CloseRead notices when it goes away
	wsCtx, cancel := context.WithCancel(conn.CloseRead(ctx.Request.Context()))
	defer cancel()

	merged := make(chan *sync.SyncStatusEvent, eventsBufferSize)
	var wg gosync.WaitGroup
	for _, e := range engines {
		status := e.Status()
		sub := status.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer status.Unsubscribe(sub)
			for {
				select {
				case ev, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-wsCtx.Done():
						return
					}
				case <-wsCtx.Done():
					return
				}
			}
		}()
	}
	defer wg.Wait()
	defer cancel()

	slog.Debug("status events subscribed", "instances", len(engines), "remote", ctx.ClientIP())
	for {
		select {
		case <-wsCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-merged:
			writeCtx, writeCancel := context.WithTimeout(wsCtx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				slog.Debug("status events write", "error", err)
				return
			}
		}
	}
}
