package event

// Topic names an event stream.
type Topic string

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// TopicAll subscribes to every topic.
const TopicAll Topic = "*"

// Registry lifecycle topics.
const (
	TopicPluginRegistered   Topic = "plugin-registered"
	TopicPluginUnregistered Topic = "plugin-unregistered"
	TopicPluginStarted      Topic = "plugin-started"
	TopicPluginStopped      Topic = "plugin-stopped"
	TopicPluginError        Topic = "plugin-error"
	TopicPluginConfig       Topic = "plugin-config-updated"
)

// Hot reload topics.
const (
	TopicPluginReloaded             Topic = "plugin-reloaded"
	TopicPluginReloadFailed         Topic = "plugin-reload-failed"
	TopicPluginReloadSkipped        Topic = "plugin-reload-skipped"
	TopicPluginReloadConfirmation   Topic = "plugin-reload-confirmation-required"
	TopicPluginCompatibilityChecked Topic = "plugin-compatibility-check"
)

// TopicSecurityEvent carries sandbox security events.
const TopicSecurityEvent Topic = "security-event"

// PluginPayload is published with lifecycle events.
type PluginPayload struct {
	Plugin  string
	Version string
	Status  string
	Error   string
}

// SkippedPayload is published when a scheduled reload does not run.
type SkippedPayload struct {
	Plugin string
	Reason string
}

// SecurityPayload is published on TopicSecurityEvent.
type SecurityPayload struct {
	PluginName string
	Event      string
	Data       map[string]any
}
