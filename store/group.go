package store

// RegisteredGroup is one chat the gateway is authorized to act upon.
// Folder is a restricted identifier used as a filesystem-safe key; exactly
// one group may carry the main folder.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	RequiresTrigger bool
	// AssistantName overrides the instance-wide trigger name when non-empty.
	AssistantName string
	// Channel is the platform that owns the JID (e.g. "whatsapp").
	Channel   string
	CreatedTs int64
	UpdatedTs int64
}
