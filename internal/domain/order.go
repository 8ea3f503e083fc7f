package domain

import (
	"time"
)

// OrderItem is a line on an order.
type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Order is a customer order as returned by the order query collaborator.
type Order struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Status     string      `json:"status"`
	Items      []OrderItem `json:"items"`
	TotalCents int64       `json:"total_cents"`
	Currency   string      `json:"currency"`
	PlacedAt   time.Time   `json:"placed_at"`
	ETA        *time.Time  `json:"eta,omitempty"`
}

// TrainerRecord pairs a customer message with the reply the bot gave.
type TrainerRecord struct {
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	Timestamp   time.Time `json:"timestamp"`
}
