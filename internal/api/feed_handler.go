package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/parkwatch/internal/query"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // API sits on a private network
	},
}

// FeedHandler streams task status pages over a websocket so the
// dashboard sees captures progress without polling the REST API.
type FeedHandler struct {
	Query *query.Service
	// Interval between pushes, 2s when zero.
	Interval time.Duration
}

// Tasks upgrades the connection and pushes the filtered task page on
// every tick until the client goes away.
func (h *FeedHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	filter := taskFilterFromQuery(r)
	page, pageSize := pageFromQuery(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		// Drain control frames; a read error means the client left.
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	push := func() bool {
		res, err := h.Query.ListTasks(r.Context(), filter, page, pageSize)
		if err != nil {
			log.Printf("[WARN] ws task feed query: %v", err)
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(res); err != nil {
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
