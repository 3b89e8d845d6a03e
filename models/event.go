package models

import (
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventArrival   EventType = "arrival"
	EventDeparture EventType = "departure"
	EventPass      EventType = "pass"
)

// ErrMalformedEvent is wrapped by every FeedEvent validation failure.
var ErrMalformedEvent = errors.New("malformed feed event")

// FeedEvent is one movement update for a train at a location. Times are
// local clock strings (HH:MM or HH:MM:SS) relative to the service start date.
type FeedEvent struct {
	RID  string    `json:"rid"`
	UID  string    `json:"uid,omitempty"`
	SSD  string    `json:"ssd"`
	TPL  string    `json:"tpl"`
	Type EventType `json:"type"`

	PTA string `json:"pta,omitempty"`
	PTD string `json:"ptd,omitempty"`
	WTA string `json:"wta,omitempty"`
	WTD string `json:"wtd,omitempty"`
	WTP string `json:"wtp,omitempty"`
	ETA string `json:"eta,omitempty"`
	ETD string `json:"etd,omitempty"`
	ATA string `json:"ata,omitempty"`
	ATD string `json:"atd,omitempty"`
}

func (e FeedEvent) Validate() error {
	switch {
	case e.RID == "":
		return fmt.Errorf("%w: missing rid", ErrMalformedEvent)
	case e.SSD == "":
		return fmt.Errorf("%w: missing ssd", ErrMalformedEvent)
	case e.TPL == "":
		return fmt.Errorf("%w: missing tpl", ErrMalformedEvent)
	}
	if _, err := time.Parse(time.DateOnly, e.SSD); err != nil {
		return fmt.Errorf("%w: invalid ssd %q", ErrMalformedEvent, e.SSD)
	}
	switch e.Type {
	case EventArrival, EventDeparture, EventPass:
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}
