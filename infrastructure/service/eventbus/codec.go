package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fixora/flagsync/domain/entity"
)

const (
	DefaultRedisPrefix  = "flagsync"
	DefaultAMQPExchange = "flagsync.events"

	routingKeyPrefix = "flags.org."
)

var ErrMisrouted = errors.New("event organization does not match its routing key")

// message is the wire form of a change event on every bus
type message struct {
	Type          string             `json:"type"`
	Event         entity.ChangeEvent `json:"event"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	PublishedAt   time.Time          `json:"published_at"`
}

const messageType = "flag.changed"

func encode(event entity.ChangeEvent, correlationID string) ([]byte, error) {
	body, err := json.Marshal(message{
		Type:          messageType,
		Event:         event,
		CorrelationID: correlationID,
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	return body, nil
}

// decode parses a bus payload and checks it against the organization
// the payload was routed by
func decode(body []byte, routedOrganization string) (entity.ChangeEvent, error) {
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return entity.ChangeEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if msg.Type != messageType {
		return entity.ChangeEvent{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if msg.Event.OrganizationID != routedOrganization {
		return entity.ChangeEvent{}, ErrMisrouted
	}
	return msg.Event, nil
}

// RedisChannel is the pub/sub channel for one organization
func RedisChannel(prefix, organizationID string) string {
	return prefix + ":org:" + organizationID
}

func organizationFromChannel(prefix, channel string) (string, bool) {
	return strings.CutPrefix(channel, prefix+":org:")
}

// RoutingKey is the AMQP topic routing key for one organization
func RoutingKey(organizationID string) string {
	return routingKeyPrefix + organizationID
}

func organizationFromRoutingKey(key string) (string, bool) {
	return strings.CutPrefix(key, routingKeyPrefix)
}
