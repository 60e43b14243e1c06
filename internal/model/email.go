package model

// Email is the plain-message variant of a cached item, used when the backend
// returns raw mailbox entries without lead analysis.
type Email struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
	Date     string `json:"date"`
	IsUnread bool   `json:"isUnread"`
}
