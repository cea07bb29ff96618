package models

import "time"

// RawEvent is an untyped event entering the router. Payload is opaque to
// the router itself; transformers and handlers give it shape.
type RawEvent struct {
	Type       string         `json:"type"`
	Contract   string         `json:"contract,omitempty"`
	Block      uint64         `json:"block,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`

	// Route metadata attached by the router's transform step.
	Route    string `json:"route,omitempty"`
	Priority string `json:"priority,omitempty"`
}
