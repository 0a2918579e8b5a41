package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// handleJobEvents streams a job's event envelopes over a WebSocket.
// Subscribers first receive the retained backlog. The socket is closed
// normally once the job finishes.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := job.Events.Subscribe()
	defer unsubscribe()

	// Drain client frames so a close from the peer ends the stream.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With().Str("job_id", job.ID).Logger()
	logger.Debug().Msg("Event stream opened")
	for {
		select {
		case <-gone:
			logger.Debug().Msg("Event stream closed by client")
			return
		case e, ok := <-ch:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.View().Status))
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				logger.Debug().Msg("Event stream finished")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		}
	}
}
