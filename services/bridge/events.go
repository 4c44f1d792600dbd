// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// EventHub fans analyzer notifications out to websocket subscribers.
// Diagnostics publishes and progress reports flow here; slow or dead
// subscribers are dropped rather than allowed to stall the analyzers.
//
// Thread Safety: safe for concurrent use.
type EventHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger:  logger.With("component", "bridge.EventHub"),
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// Broadcast queues an event for every subscriber. A subscriber whose
// buffer is full misses the event.
func (h *EventHub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- event:
		default:
			h.logger.Warn("Subscriber buffer full, dropping event",
				"remote", conn.RemoteAddr().String(), "type", event.Type)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleEvents upgrades GET /v1/bridge/events to a websocket and streams
// events until the client disconnects.
func (h *EventHub) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	ch := make(chan Event, 64)
	h.mu.Lock()
	h.clients[ws] = ch
	h.mu.Unlock()
	h.logger.Info("Event subscriber connected", "remote", ws.RemoteAddr().String())

	defer func() {
		h.mu.Lock()
		delete(h.clients, ws)
		h.mu.Unlock()
		h.logger.Info("Event subscriber disconnected", "remote", ws.RemoteAddr().String())
	}()

	// Reader goroutine only detects disconnects; clients do not send.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-ch:
			if err := ws.WriteJSON(event); err != nil {
				h.logger.Warn("Failed to write event", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}
