package model

import "time"

// NotificationMessage is a server push about activity in a group.
// It is immutable once received.
type NotificationMessage struct {
	// ID is unique per server and used for client-side deduplication.
	ID        int64     `json:"id"`
	GroupID   int64     `json:"group_id"`
	GroupName string    `json:"group_name"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Toast is the UI-facing projection of a NotificationMessage.
type Toast struct {
	ClientID  string    `json:"client_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	GroupName string    `json:"group_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
