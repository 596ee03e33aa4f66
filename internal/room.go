package internal

import (
	"errors"
	"fmt"
	"strings"
)

// RoomKind classifies a broadcast room by the entity it groups connections around.
type RoomKind string

const (
	RoomKindTenant   RoomKind = "tenant"
	RoomKindUser     RoomKind = "user"
	RoomKindResource RoomKind = "resource"
)

var (
	ErrInvalidRoomName = errors.New("invalid room name")
	ErrEmptyRoomID     = errors.New("room id is required")
)

// Room is a tagged room identifier. The wire-level name is always rendered and
// parsed through this type so that no component matches on raw strings.
//
// Rendered forms:
//
//	tenant:<id>
//	user:<id>
//	<resourceType>:<resourceId>   e.g. tender:42, document:7
type Room struct {
	Kind RoomKind

	// ResourceType is set only for RoomKindResource, e.g. "tender" or "document".
	ResourceType string

	ID string
}

// TenantRoom is the room every connection of a tenant is auto-joined to.
func TenantRoom(tenantID string) Room {
	return Room{Kind: RoomKindTenant, ID: tenantID}
}

// UserRoom is the personal room targeted by user-addressed events.
func UserRoom(userID string) Room {
	return Room{Kind: RoomKindUser, ID: userID}
}

// ResourceRoom is a room clients join explicitly while viewing a resource.
func ResourceRoom(resourceType, resourceID string) Room {
	return Room{Kind: RoomKindResource, ResourceType: resourceType, ID: resourceID}
}

// Name renders the wire-level room name.
func (r Room) Name() string {
	switch r.Kind {
	case RoomKindTenant:
		return "tenant:" + r.ID
	case RoomKindUser:
		return "user:" + r.ID
	default:
		return r.ResourceType + ":" + r.ID
	}
}

// Validate checks the identifier is renderable and unambiguous.
func (r Room) Validate() error {
	if r.ID == "" {
		return ErrEmptyRoomID
	}

	if r.Kind == RoomKindResource {
		if r.ResourceType == "" {
			return fmt.Errorf("%w: resource room needs a resource type", ErrInvalidRoomName)
		}
		// Reserved prefixes would collide with managed rooms.
		if r.ResourceType == string(RoomKindTenant) || r.ResourceType == string(RoomKindUser) {
			return fmt.Errorf("%w: %q is a reserved room prefix", ErrInvalidRoomName, r.ResourceType)
		}
	}

	return nil
}

// ParseRoom is the inverse of Room.Name.
func ParseRoom(name string) (Room, error) {
	prefix, id, found := strings.Cut(name, ":")
	if !found || prefix == "" || id == "" {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}

	switch prefix {
	case string(RoomKindTenant):
		return TenantRoom(id), nil
	case string(RoomKindUser):
		return UserRoom(id), nil
	default:
		return ResourceRoom(prefix, id), nil
	}
}
