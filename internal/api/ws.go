package api

import (
	"encoding/json"
	"net/http"

	"github.com/ainp-network/broker/internal/envelope"
	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/push"
)

// HandleWebSocket implements the push channel: a duplex stream keyed by
// the subscriber DID (?did=...). The server fans out
// JSON envelope notifications to the connection; the client MAY send
// signed envelopes back, which re-enter the standard ingress Pipeline
// exactly like POST /api/intents/send.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")
	if did == "" {
		WriteProblem(w, r, errs.New("INVALID_REQUEST", "missing did query parameter"))
		return
	}

	conn, _ := s.Hub.Register(did)
	wsConn, err := push.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.Hub.Unregister(did, conn)
		return
	}
	defer func() {
		s.Hub.Unregister(did, conn)
		_ = wsConn.Close()
	}()

	c := conn.Conn()
	readDone := make(chan struct{})
	go s.wsReadLoop(r, wsConn, readDone)

	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			if err := wsConn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.Done():
			return
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// wsConn is the subset of *websocket.Conn the read loop needs, narrowed
// so it can be exercised with a fake in tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// wsReadLoop drains client-sent frames and, for a well-formed signed
// envelope, pushes it through the same ingress Pipeline + Router used
// by POST /api/intents/send. Any read error, including a normal close,
// terminates the loop and signals the writer goroutine via done.
func (s *Server) wsReadLoop(r *http.Request, conn wsConn, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue // malformed client frame, ignored rather than killing the socket
		}
		result, err := s.Pipeline.Run(r.Context(), &env)
		if err != nil {
			continue
		}
		if result.PostageDue && env.ToDID != "" {
			_, _ = s.Ledger.Spend(r.Context(), env.FromDID, postageAmount, "postage:"+env.ToDID)
		}
		_, _ = s.Router.Route(r.Context(), &env)
	}
}
