package server

import (
	"net/http"

	"github.com/markus-barta/roomrelay/internal/dispatch"
	"github.com/markus-barta/roomrelay/internal/hub"
)

// handleWebSocket upgrades the connection. Authentication happens in-band
// with the register message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	ws, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := hub.NewConn(ws, s.log, s.metrics, s.cfg.SendBuffer)
	session := dispatch.NewSession(dispatch.Deps{
		Log:       s.log,
		Resolver:  s.pairing,
		Toucher:   s.store,
		Registry:  s.registry,
		Lifecycle: s.tracker,
		Metrics:   s.metrics,
	}, conn)

	s.log.Debug().Str("conn", conn.ID()).Str("ip", clientIP(r)).Msg("connection opened")
	s.conns.Add(1)
	conn.Start(s.baseCtx, session)
	go func() {
		<-conn.Done()
		s.conns.Done()
	}()
}
