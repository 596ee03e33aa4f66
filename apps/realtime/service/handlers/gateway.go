// Package handlers exposes the HTTP surface: the websocket gateway, health
// probes and the admin endpoints.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/identity"
)

const writeDeadline = 10 * time.Second

//nolint:gochecknoglobals // single upgrader shared by all connections
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Browser origin enforcement is delegated to the token check.
		return true
	},
}

// GatewayHandler upgrades authenticated requests to websocket sessions and
// hands them to the connection manager.
type GatewayHandler struct {
	verifier identity.Verifier
	cm       business.ConnectionManager
}

func NewGatewayHandler(verifier identity.Verifier, cm business.ConnectionManager) *GatewayHandler {
	return &GatewayHandler{
		verifier: verifier,
		cm:       cm,
	}
}

// ServeHTTP authenticates the request and upgrades it. The token is checked
// before the upgrade so rejected clients get a clean 401 instead of a
// half-open socket.
func (gh *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := gh.verifier.Verify(ctx, bearerToken(r))
	if err != nil {
		util.Log(ctx).WithError(err).Debug("Rejected unauthenticated connection")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Log(ctx).WithError(err).Error("Websocket upgrade failed")
		return
	}

	util.Log(ctx).WithFields(map[string]any{
		"user_id":   claims.UserID,
		"tenant_id": claims.TenantID,
	}).Info("New client connection")

	stream := &wsStream{conn: ws}

	if err = gh.cm.HandleConnection(ctx, claims.UserID, claims.TenantID, stream); err != nil {
		util.Log(ctx).WithError(err).Debug("Connection ended with error")
	}
}

// bearerToken pulls the token from the Authorization header, falling back to
// the access_token query parameter for browser websocket clients that cannot
// set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("access_token")
}

// wsStream adapts a gorilla websocket connection to business.ClientStream.
// The connection manager guarantees a single writer, so no write mutex is
// needed here.
type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Receive() ([]byte, error) {
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (s *wsStream) Send(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame before dropping the socket so clients see a
// clean end of session instead of an abrupt reset. The control write is best
// effort; the peer may already be gone.
func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeDeadline),
	)
	return s.conn.Close()
}
