package core

import "time"

// NotificationType selects the presentation surface for a notification.
type NotificationType string

// Notification surfaces understood by the presentation layer.
const (
	NotifySystem NotificationType = "system"
	NotifyToast  NotificationType = "toast"
	NotifyBubble NotificationType = "bubble"
	NotifyVoice  NotificationType = "voice"
)

// Notification is the payload handed to the presentation layer. Delivery
// failure is reported back to the caller but never raised as an error that
// aborts a dispatch.
type Notification struct {
	Type     NotificationType `json:"type"`
	Title    string           `json:"title"`
	Body     string           `json:"body"`
	Sound    string           `json:"sound,omitempty"`
	Duration time.Duration    `json:"duration,omitempty"`
}
