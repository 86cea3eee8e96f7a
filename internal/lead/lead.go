// Package lead detects contact details in visitor messages and forwards them
// to the sales automation webhook.
//
// Detection is a plain pattern match on Saudi mobile numbers. Forwarding is
// fire-and-forget: a failed delivery is logged and counted, never retried and
// never surfaced to the visitor. Accepted leads can additionally be journaled
// to one or more [Sink]s (a JSON-lines file or PostgreSQL).
package lead

import (
	"regexp"
	"time"
)

// Source identifies this service in forwarded payloads.
const Source = "Asiri AI Agent"

// PhoneInterest is the interest recorded for leads detected from a phone
// number.
const PhoneInterest = "الرغبة في التواصل الهاتفي"

// phonePattern matches a Saudi mobile number: "05" followed by eight digits.
var phonePattern = regexp.MustCompile(`05\d{8}`)

// Data is the contact information extracted from a conversation.
type Data struct {
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone"`
	Interest string `json:"interest"`
	Budget   string `json:"budget,omitempty"`
}

// Payload is the JSON body delivered to the webhook and written to sinks.
type Payload struct {
	Data
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// NewPayload stamps d with the service source and t formatted as ISO-8601 in
// UTC with millisecond precision.
func NewPayload(d Data, t time.Time) Payload {
	return Payload{
		Data:      d,
		Source:    Source,
		Timestamp: t.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// Detect reports the first phone number in text. The match is not anchored:
// a number embedded in a longer run of digits still matches.
func Detect(text string) (Data, bool) {
	phone := phonePattern.FindString(text)
	if phone == "" {
		return Data{}, false
	}
	return Data{Phone: phone, Interest: PhoneInterest}, true
}
