package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/events"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/identity"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/models"
)

// AdminHandler lets backend services and operators inject domain events and
// inspect connections. Every request needs an admin-role token.
type AdminHandler struct {
	verifier identity.Verifier
	bridge   *events.Bridge
	stats    business.StatsProvider
}

func NewAdminHandler(
	verifier identity.Verifier,
	bridge *events.Bridge,
	stats business.StatsProvider,
) *AdminHandler {
	return &AdminHandler{
		verifier: verifier,
		bridge:   bridge,
		stats:    stats,
	}
}

// authorize verifies the bearer token and requires the admin role.
func (ah *AdminHandler) authorize(w http.ResponseWriter, r *http.Request) *identity.Claims {
	claims, err := ah.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil
	}
	if !claims.IsAdmin() {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}
	return claims
}

// PublishEvent accepts a domain event envelope and publishes it on the bus.
// POST /admin/events
func (ah *AdminHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := ah.authorize(w, r)
	if claims == nil {
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var evt models.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	if evt.ActorID == "" {
		evt.ActorID = claims.UserID
	}

	if err := ah.bridge.Publish(ctx, &evt); err != nil {
		if errors.Is(err, events.ErrEventRejected) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		util.Log(ctx).WithError(err).
			WithField("event_type", string(evt.Type)).
			Error("Admin event publish failed")
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     evt.ID,
		"status": "accepted",
	})
}

// Stats reports the manager snapshot for this instance.
// GET /admin/stats
func (ah *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if claims := ah.authorize(w, r); claims == nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ah.stats.Stats()); err != nil {
		util.Log(r.Context()).WithError(err).Error("Failed to encode admin stats")
	}
}
