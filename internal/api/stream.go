package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradesim/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the lifecycle events pushed to websocket clients.
var streamTopics = []events.Event{
	events.EventOrderNew,
	events.EventOrderState,
	events.EventOrderFill,
	events.EventTradeBooked,
	events.EventMarketState,
	events.EventBarProcessed,
}

// EventMessage is one websocket frame: the topic plus its payload.
type EventMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// streamEvents pushes engine lifecycle events over a websocket until the
// client goes away or the write fails.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Fan the per-topic subscriptions into one channel; the websocket
	// allows a single writer.
	merged := make(chan EventMessage, 256)
	var wg sync.WaitGroup
	unsubs := make([]func(), 0, len(streamTopics))
	for _, e := range streamTopics {
		stream, unsub := s.Bus.Subscribe(e, 100)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(e events.Event, stream <-chan any) {
			defer wg.Done()
			for msg := range stream {
				merged <- EventMessage{Event: string(e), Payload: msg}
			}
		}(e, stream)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		go func() {
			wg.Wait()
			close(merged)
		}()
		for range merged {
			// drain so forwarders blocked on merged can finish
		}
	}()

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[api] ws write: %v", err)
			return
		}
	}
}
