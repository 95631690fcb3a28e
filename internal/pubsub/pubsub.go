// Package pubsub defines the fire-and-forget publish contract the core
// components broadcast through, plus an optional redis bridge that fans
// messages out to hubs in other processes.
package pubsub

import "fmt"

// PublishFunc delivers a message to every subscriber of a topic. Best-effort,
// at-most-once: implementations never block the caller on slow consumers and
// never return delivery errors to the core.
type PublishFunc func(topic, msgType string, data any)

// Envelope is the wire format shared by the WS hub and the redis bridge.
type Envelope struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

// EventTopic is the broadcast topic carrying odds/status updates for an event.
func EventTopic(eventID string) string { return fmt.Sprintf("event:%s", eventID) }

// AccountTopic is the broadcast topic carrying settlement outcomes for an account.
func AccountTopic(accountID string) string { return fmt.Sprintf("account:%s", accountID) }
