package contracts

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Metadata keys lifted into the envelope meta block
const (
	MetaSessionID    = "session_id"
	MetaReplyChannel = "reply_channel"
)

// ContentType is the MIME type of an encoded envelope
const ContentType = "application/json"

var stringMetaFields = []string{
	"session_id", "reply_channel", "correlation_id", "routing_key", "message_id", "causation_id",
}

// EnvelopeMeta carries routing metadata across process boundaries.
// The first four fields form the shared wire contract; the rest are optional
// and ignored by peers that do not know them.
type EnvelopeMeta struct {
	SessionID     string         `json:"session_id"`
	ReplyChannel  string         `json:"reply_channel"`
	CorrelationID string         `json:"correlation_id"`
	RoutingKey    string         `json:"routing_key"`
	MessageID     string         `json:"message_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
}

// Envelope wraps a message body for transport
type Envelope struct {
	Meta EnvelopeMeta    `json:"meta"`
	Body json.RawMessage `json:"body"`
}

// NewEnvelope wraps msg for the wire
func NewEnvelope(msg *Message) (*Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("contracts: message cannot be nil")
	}

	body, err := json.Marshal(msg.payload)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode body of %s: %w", msg.routingKey, err)
	}

	ts := msg.timestamp
	env := &Envelope{
		Meta: EnvelopeMeta{
			SessionID:     msg.MetaString(MetaSessionID),
			ReplyChannel:  msg.MetaString(MetaReplyChannel),
			CorrelationID: msg.correlationID,
			RoutingKey:    msg.routingKey,
			MessageID:     msg.id,
			CausationID:   msg.causationID,
			Timestamp:     &ts,
		},
		Body: body,
	}

	for k, v := range msg.meta {
		if k == MetaSessionID || k == MetaReplyChannel {
			if _, ok := v.(string); ok {
				continue
			}
		}
		if env.Meta.Headers == nil {
			env.Meta.Headers = make(map[string]any)
		}
		env.Meta.Headers[k] = cloneValue(v)
	}

	return env, nil
}

// EncodeEnvelope wraps msg and encodes it as JSON
func EncodeEnvelope(msg *Message) ([]byte, error) {
	env, err := NewEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses an envelope. Anything that does not have the envelope
// shape fails with ErrMalformedMessage.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, malformed("empty input", nil)
	}
	if !gjson.ValidBytes(data) {
		return nil, malformed("invalid JSON", nil)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, malformed("envelope is not an object", nil)
	}
	meta := root.Get("meta")
	if !meta.IsObject() {
		return nil, malformed("missing meta object", nil)
	}
	for _, field := range stringMetaFields {
		f := meta.Get(field)
		if f.Exists() && f.Type != gjson.String && f.Type != gjson.Null {
			return nil, malformed(fmt.Sprintf("meta.%s is not a string", field), nil)
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("decode envelope", err)
	}
	return &env, nil
}

// Message converts the envelope into a Message. A non-empty routingKey
// overrides meta.routing_key, which lets transports use the key the broker
// actually routed on.
func (e *Envelope) Message(routingKey string) (*Message, error) {
	if routingKey == "" {
		routingKey = e.Meta.RoutingKey
	}

	var payload map[string]any
	body := bytes.TrimSpace(e.Body)
	if len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		if body[0] != '{' {
			return nil, malformed("body is not an object", nil)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, malformed("decode body", err)
		}
	}

	meta := make(map[string]any, len(e.Meta.Headers)+2)
	for k, v := range e.Meta.Headers {
		meta[k] = v
	}
	if e.Meta.SessionID != "" {
		meta[MetaSessionID] = e.Meta.SessionID
	}
	if e.Meta.ReplyChannel != "" {
		meta[MetaReplyChannel] = e.Meta.ReplyChannel
	}

	opts := []MessageOption{
		WithID(e.Meta.MessageID),
		WithCorrelationID(e.Meta.CorrelationID),
		WithCausationID(e.Meta.CausationID),
		WithMeta(meta),
	}
	if e.Meta.Timestamp != nil {
		opts = append(opts, WithTimestamp(*e.Meta.Timestamp))
	}

	return NewMessage(routingKey, payload, opts...), nil
}

// DecodeMessage decodes an envelope and converts it into a Message in one step
func DecodeMessage(data []byte, routingKey string) (*Message, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return env.Message(routingKey)
}

// Reply builds the envelope answering e. The reply keeps the request meta and
// is routed to "<reply_channel>.<suffix>".
func (e *Envelope) Reply(suffix string, body any) (*Envelope, string, error) {
	if e.Meta.ReplyChannel == "" {
		return nil, "", fmt.Errorf("contracts: envelope %s has no reply channel", e.Meta.MessageID)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("contracts: encode reply body: %w", err)
	}

	reply := &Envelope{
		Meta: EnvelopeMeta{
			SessionID:     e.Meta.SessionID,
			ReplyChannel:  e.Meta.ReplyChannel,
			CorrelationID: e.Meta.CorrelationID,
			RoutingKey:    e.Meta.RoutingKey,
			CausationID:   e.Meta.MessageID,
		},
		Body: raw,
	}
	return reply, e.Meta.ReplyChannel + "." + suffix, nil
}
