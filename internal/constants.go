package internal

const (
	HeaderOriginInstance = "origin_instance"
	HeaderTenantID       = "tenant_id"
	HeaderEventType      = "event_type"
	HeaderRoom           = "room"
)
