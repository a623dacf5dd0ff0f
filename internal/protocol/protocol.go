// Package protocol defines the messages exchanged between a cache worker and
// the pages it controls.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates a Message.
type Type string

const (
	// TypeUpdateAvailable is sent by a worker to its clients after it takes
	// control, or when a client asks for a rebroadcast.
	TypeUpdateAvailable Type = "UPDATE_AVAILABLE"
	// TypeSkipWaiting asks a waiting worker to activate immediately.
	TypeSkipWaiting Type = "SKIP_WAITING"
	// TypeRefreshPage asks the worker to rebroadcast TypeUpdateAvailable.
	TypeRefreshPage Type = "REFRESH_PAGE"
)

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMissingData = errors.New("protocol: missing data")
)

// Message is the JSON envelope shared by both directions.
type Message struct {
	Type Type        `json:"type"`
	Data *UpdateData `json:"data,omitempty"`
}

// UpdateData is the payload of TypeUpdateAvailable. Timestamp is unix millis.
type UpdateData struct {
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

func UpdateAvailable(version string, at time.Time) Message {
	return Message{
		Type: TypeUpdateAvailable,
		Data: &UpdateData{Timestamp: at.UnixMilli(), Version: version},
	}
}

func SkipWaiting() Message { return Message{Type: TypeSkipWaiting} }

func RefreshPage() Message { return Message{Type: TypeRefreshPage} }

// Version returns the carried version, or "" when there is none.
func (m Message) Version() string {
	if m.Data == nil {
		return ""
	}
	return m.Data.Version
}

// Validate checks the discriminator and the payload it requires.
func (m Message) Validate() error {
	switch m.Type {
	case TypeUpdateAvailable:
		if m.Data == nil {
			return fmt.Errorf("%w for %s", ErrMissingData, m.Type)
		}
	case TypeSkipWaiting, TypeRefreshPage:
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
	return nil
}

func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
