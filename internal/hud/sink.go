package hud

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vitalsim/internal/sim"
)

// Update is the wire payload pushed to HUD subscribers.
type Update struct {
	World  string   `json:"world"`
	Player string   `json:"player"`
	Lines  []string `json:"lines"`
}

type subscriber struct {
	out chan []byte
}

// Sink fans rendered summaries out to websocket subscribers, dropping
// for any subscriber whose buffer is full.
type Sink struct {
	log      *slog.Logger
	builders []Builder
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewSink(log *slog.Logger, builders []Builder) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if len(builders) == 0 {
		builders = DefaultBuilders()
	}
	return &Sink{
		log:      log,
		builders: builders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[*subscriber]struct{}{},
	}
}

// PushSummary implements sim.SummarySink.
func (s *Sink) PushSummary(sum sim.Summary) {
	cur := &Cursor{}
	for _, b := range s.builders {
		b.Build(cur, sum)
	}
	payload, err := json.Marshal(Update{World: sum.WorldID, Player: sum.PlayerID, Lines: cur.Lines()})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.out <- payload:
		default:
			// Slow client; this update is lost, the next one isn't.
		}
	}
}

// Handler serves the subscription endpoint.
func (s *Sink) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := &subscriber{out: make(chan []byte, 64)}
		if !s.add(sub) {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for b := range sub.out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		// Reader loop only notices disconnects; the HUD protocol is
		// one-way.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		// Unsubscribe before closing the channel so no push can race
		// the close.
		s.remove(sub)
		close(sub.out)
		<-done
	}
}

func (s *Sink) add(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs[sub] = struct{}{}
	return true
}

func (s *Sink) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Close stops accepting subscribers. Existing connections end when
// their clients disconnect.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
