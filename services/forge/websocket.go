// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxMessageBytes bounds one inbound tool call. Plans carry file content.
const maxMessageBytes = 32 << 20

// ToolCallMessage is one inbound websocket tool call.
type ToolCallMessage struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallReply answers the message with the same ID. Exactly one of
// Result and Error is set.
type ToolCallReply struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleToolWebSocket handles GET /v1/forge/ws.
//
// Description:
//
//	Upgrades to a websocket and serves tool calls until the client
//	disconnects. Calls run concurrently; replies carry the call's id and
//	may arrive out of order. Calls still running when the client goes
//	away are cancelled (apply_edit only before it starts mutating).
func (h *Handlers) HandleToolWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageBytes)

	sessionID := uuid.NewString()
	logger := slog.With("session_id", sessionID, "handler", "HandleToolWebSocket")
	logger.Info("Websocket client connected")
	wsConnections.Inc()
	defer wsConnections.Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn := &wsConn{ws: ws}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var msg ToolCallMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				_ = conn.sendJSON(ToolCallReply{Error: &ToolError{Code: CodeInvalidRequest, Message: err.Error()}})
				continue
			}
			logger.Info("Websocket client disconnected", "error", err.Error())
			cancel()
			return
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}

		wg.Add(1)
		go func(msg ToolCallMessage) {
			defer wg.Done()
			_ = conn.sendJSON(h.dispatch(ctx, logger, msg))
		}(msg)
	}
}

// isDecodeError reports a malformed message; the connection stays usable.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (h *Handlers) dispatch(ctx context.Context, logger *slog.Logger, msg ToolCallMessage) ToolCallReply {
	result, err := h.engine.HandleToolCall(ctx, msg.Name, msg.Arguments)
	if err != nil {
		te := NewToolError(err)
		logger.Warn("Tool call failed", "id", msg.ID, "tool", msg.Name, "code", te.Code, "error", err)
		return ToolCallReply{ID: msg.ID, Error: te}
	}
	logger.Debug("Tool call completed", "id", msg.ID, "tool", msg.Name)
	return ToolCallReply{ID: msg.ID, Result: result}
}
