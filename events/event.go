package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/mediagraph/core"
	"github.com/c360/mediagraph/errors"
)

// Type names what happened to a link.
type Type string

const (
	TypeState     Type = "state"
	TypeInfo      Type = "info"
	TypeDestroyed Type = "destroyed"
)

// LinkEvent is the JSON document published for a link notification.
type LinkEvent struct {
	Type      Type      `json:"type"`
	Instance  string    `json:"instance"`
	Link      string    `json:"link"`
	Serial    uint32    `json:"serial"`
	Old       string    `json:"old,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Format    string    `json:"format,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Buffers   int       `json:"buffers,omitempty"`
	Passive   bool      `json:"passive,omitempty"`
	Live      bool      `json:"live,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// fromInfo fills the link fields of an event from a snapshot.
func fromInfo(typ Type, instance string, info core.LinkInfo) LinkEvent {
	ev := LinkEvent{
		Type:      typ,
		Instance:  instance,
		Link:      info.ID.String(),
		Serial:    info.ID.Serial(),
		State:     info.State.String(),
		Owner:     info.Owner.String(),
		Buffers:   info.Buffers,
		Passive:   info.Passive,
		Live:      info.Live,
		Timestamp: time.Now().UTC(),
	}
	if info.Error != nil {
		ev.Error = info.Error.Error()
		if k := errors.KindOf(info.Error); k != errors.KindNone {
			ev.ErrorKind = k.String()
		}
	}
	if info.Format != nil {
		ev.Format = info.Format.String()
	}
	return ev
}

// Subject returns the subject ev is published on below prefix.
func (ev LinkEvent) Subject(prefix string) string {
	return fmt.Sprintf("%s.link.%d.%s", prefix, ev.Serial, ev.Type)
}

// Marshal encodes ev as JSON.
func (ev LinkEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.WrapInvalid(err, "LinkEvent", "Marshal", "encode event")
	}
	return data, nil
}

// DecodeLinkEvent parses an event as published by an Emitter.
func DecodeLinkEvent(data []byte) (LinkEvent, error) {
	var ev LinkEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return LinkEvent{}, errors.WrapInvalid(err, "LinkEvent", "Decode", "decode event")
	}
	if ev.Type == "" || ev.Link == "" {
		return LinkEvent{}, errors.WrapInvalid(fmt.Errorf("%w: event without type or link", errors.ErrInvalidParameter),
			"LinkEvent", "Decode", "decode event")
	}
	return ev, nil
}
