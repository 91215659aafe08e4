// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/pidpipeline/services/pipeline/watch"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// WatchDiagram streams status events of a diagram over a websocket. The
// server closes the socket after the final event; a client close ends the
// subscription.
func WatchDiagram(provider watch.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		events, err := provider.Subscribe(ctx, id)
		if err != nil {
			abortWithError(c, "watch", err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "diagram_id", id, "error", err)
			return
		}
		defer ws.Close()
		slog.Info("watch client connected", "diagram_id", id)

		// Reads only detect the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for ev := range events {
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				slog.Warn("failed to write watch event", "diagram_id", id, "error", err)
				return
			}
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
			time.Now().Add(wsWriteTimeout))
		slog.Info("watch client done", "diagram_id", id)
	}
}
