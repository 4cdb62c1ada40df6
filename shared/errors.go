package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrNoConfig            = errors.New("no session config provided")
	ErrNoSessionID         = errors.New("no session id provided")
	ErrNoClientSecret      = errors.New("no client secret provided")
	ErrNoModalities        = errors.New("no modalities provided")
	ErrNoAudioCapture      = errors.New("no audio capture provided")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrSessionActive       = errors.New("session already active")
	ErrMicrophoneAccess    = errors.New("microphone access failed")
)

// SignalingError is the non-2xx outcome of the SDP offer/answer exchange.
// Body carries the response text verbatim.
type SignalingError struct {
	StatusCode int
	Body       string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// EstablishmentTimeoutError marks a connection that never reached the
// connected state before the establishment timer fired.
type EstablishmentTimeoutError struct {
	SessionID string
}

func (e *EstablishmentTimeoutError) Error() string {
	return fmt.Sprintf("session %s: connection establishment timed out", e.SessionID)
}
