package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
	"github.com/zeidalqadri/tenderflow-realtime/internal"
)

// ErrRateLimited is returned when a connection exceeds its rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// handleClientMessage is the entry point for all client-originated traffic.
// Processing errors are reported to the client without breaking the
// connection; only stream-level failures end the session.
func (cm *connectionManager) handleClientMessage(
	ctx context.Context,
	conn Connection,
	payload []byte,
) error {
	if !conn.AllowInbound() {
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": conn.Record().ConnectionID,
			"user_id":       conn.Record().UserID,
		}).Warn("Client message rate limited")
		return ErrRateLimited
	}

	var msg models.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("unparseable client message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return err
	}

	switch msg.Action {
	case models.ActionJoin:
		return cm.processJoin(ctx, conn, msg.Room)
	case models.ActionLeave:
		return cm.processLeave(ctx, conn, msg.Room)
	case models.ActionPresence:
		return cm.processPresence(ctx, conn, msg.Status, msg.Page)
	case models.ActionTypingStart:
		return cm.processTyping(ctx, conn, msg.Room, true)
	case models.ActionTypingStop:
		return cm.processTyping(ctx, conn, msg.Room, false)
	case models.ActionPing:
		return cm.processPing(ctx, conn)
	default:
		return models.ErrUnknownAction
	}
}

// processJoin subscribes the connection to a resource room. Tenant and user
// rooms are managed by the server and cannot be joined explicitly.
func (cm *connectionManager) processJoin(ctx context.Context, conn Connection, roomName string) error {
	room, err := internal.ParseRoom(roomName)
	if err != nil {
		return err
	}
	if room.Kind != internal.RoomKindResource {
		return fmt.Errorf("%w: %s", ErrRoomNotAllowed, roomName)
	}
	if err = room.Validate(); err != nil {
		return err
	}

	rec := conn.Record()
	scoped := ScopeRoom(rec.TenantID, room.Name())
	if cm.joinRoom(conn, scoped) {
		cm.store.Sync(ctx, conn)

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": rec.ConnectionID,
			"user_id":       rec.UserID,
			"room":          room.Name(),
		}).Debug("Client joined room")
	}

	conn.Dispatch(models.NewServerMessage("room:joined", room.Name(), nil))
	return nil
}

// processLeave unsubscribes the connection from a resource room. Leaving a
// room the client never joined is a no-op.
func (cm *connectionManager) processLeave(ctx context.Context, conn Connection, roomName string) error {
	room, err := internal.ParseRoom(roomName)
	if err != nil {
		return err
	}
	if room.Kind != internal.RoomKindResource {
		return fmt.Errorf("%w: %s", ErrRoomNotAllowed, roomName)
	}

	rec := conn.Record()
	if cm.leaveRoom(conn, ScopeRoom(rec.TenantID, room.Name())) {
		cm.store.Sync(ctx, conn)

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": rec.ConnectionID,
			"user_id":       rec.UserID,
			"room":          room.Name(),
		}).Debug("Client left room")
	}

	conn.Dispatch(models.NewServerMessage("room:left", room.Name(), nil))
	return nil
}

// processPresence applies a client-reported availability change.
func (cm *connectionManager) processPresence(
	ctx context.Context,
	conn Connection,
	status models.PresenceStatus,
	page string,
) error {
	rec := conn.Record()
	cm.store.Update(ctx, rec.ConnectionID, func(r *Record) {
		r.Presence = status
		r.Page = page
		r.Touch(time.Now().Unix())
	})

	cm.presence.SetStatus(ctx, rec.TenantID, rec.UserID, status)
	return nil
}

// processTyping broadcasts a typing indicator to the room. Typing is
// ephemeral, client-originated traffic: it goes out through the full
// broadcast path so other instances relay it, and a degraded backplane only
// costs cross-instance delivery.
func (cm *connectionManager) processTyping(
	ctx context.Context,
	conn Connection,
	roomName string,
	typing bool,
) error {
	room, err := internal.ParseRoom(roomName)
	if err != nil {
		return err
	}

	rec := conn.Record()
	msg := models.NewServerMessage(models.ServerTyping, room.Name(), data.JSONMap{
		"user_id": rec.UserID,
		"typing":  typing,
	})

	if err = cm.broadcaster.Broadcast(ctx, ScopeRoom(rec.TenantID, room.Name()), msg); err != nil {
		util.Log(ctx).WithError(err).
			WithField("room", room.Name()).
			Debug("Typing indicator limited to local delivery")
	}
	return nil
}

// processPing refreshes liveness and answers with a pong.
func (cm *connectionManager) processPing(ctx context.Context, conn Connection) error {
	cm.store.Update(ctx, conn.Record().ConnectionID, func(r *Record) {
		r.Touch(time.Now().Unix())
	})

	conn.Dispatch(models.NewServerMessage(models.ServerPong, "", nil))
	return nil
}

// errorMessage wraps a processing error for delivery to the client.
func errorMessage(err error) *models.ServerMessage {
	return models.NewServerMessage(models.ServerError, "", data.JSONMap{
		"message": err.Error(),
	})
}
