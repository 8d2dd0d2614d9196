package topic

import "time"

// AlertType classifies a facilitator alert.
type AlertType string

const (
	AlertTopicDrift AlertType = "TOPIC_DRIFT"
	AlertReturning  AlertType = "RETURNING"
	AlertNewTopic   AlertType = "NEW_TOPIC"
)

// maxAlerts caps the per-session alert list; the oldest entry is evicted
// first regardless of acknowledgement state.
const maxAlerts = 10

// Alert is one drift notification, tracked from creation through
// acknowledgement.
type Alert struct {
	ID           string    `json:"id"`
	AlertType    AlertType `json:"alertType"`
	Message      string    `json:"message"`
	DriftScore   float64   `json:"driftScore"`
	FromTopic    *string   `json:"fromTopic"`
	ToTopic      *string   `json:"toTopic"`
	CurrentTopic string    `json:"currentTopic"`
	MainTopic    *string   `json:"mainTopic"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// facilitatorMessage renders the user-facing alert text. Empty below the
// drift threshold: alerts are only raised at 50 and above.
func facilitatorMessage(driftScore float64, reason, action string) string {
	if driftScore < driftAlertThreshold {
		return ""
	}

	severity := "slightly"
	if driftScore >= 70 {
		severity = "significantly"
	}
	msg := "The discussion seems to have drifted " + severity + " off topic."

	if reason != "" {
		msg += "\n" + reason
	}
	if action != "" {
		msg += "\n\nSuggestion: " + action
	}
	return msg
}
