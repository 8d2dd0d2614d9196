package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Server-to-client event types. Every frame delivered to a subscriber is a
// JSON object carrying one of these in its "type" field, with the event
// payload flattened alongside it.
const (
	EventTranscriptPartial = "transcript.partial"
	EventTranscriptFinal   = "transcript.final"
	EventTopicUpdate       = "topic.update"
	EventFacilitatorAlert  = "facilitator.alert"
	EventSubscribed        = "subscribed"
)

// Client-to-server control message types.
const (
	msgSubscribe   = "subscribe-meeting"
	msgUnsubscribe = "unsubscribe-meeting"
)

// controlMessage is the only frame shape clients send.
type controlMessage struct {
	Type      string `json:"type"`
	MeetingID string `json:"meetingId,omitempty"`
}

// BroadcastRequest is the cross-process relay ingress body.
type BroadcastRequest struct {
	MeetingID string          `json:"meetingId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// BroadcastResponse reports how many live subscribers received the event.
type BroadcastResponse struct {
	Success     bool `json:"success"`
	ClientCount int  `json:"clientCount"`
}

var knownEventTypes = map[string]struct{}{
	EventTranscriptPartial: {},
	EventTranscriptFinal:   {},
	EventTopicUpdate:       {},
	EventFacilitatorAlert:  {},
	EventSubscribed:        {},
}

// DecodeBroadcast strictly decodes a relay ingress body. Unknown fields and
// unknown event types are rejected at the boundary rather than forwarded
// blind to subscribers.
func DecodeBroadcast(body []byte) (*BroadcastRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var req BroadcastRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode broadcast: %w", err)
	}
	if req.MeetingID == "" {
		return nil, fmt.Errorf("broadcast missing meetingId")
	}
	if _, ok := knownEventTypes[req.Type]; !ok {
		return nil, fmt.Errorf("unknown event type %q", req.Type)
	}
	return &req, nil
}

// encodeEvent flattens a payload into an envelope with the event type tag.
// Payloads are maps or structs with object JSON encodings.
func encodeEvent(eventType string, data any) ([]byte, error) {
	fields := map[string]any{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		if err = json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("event payload is not an object: %w", err)
		}
	}
	fields["type"] = eventType
	return json.Marshal(fields)
}
