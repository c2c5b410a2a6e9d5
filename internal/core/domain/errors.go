package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInvalidTransition  = errors.New("invalid playback transition")
	ErrSourceExhausted    = errors.New("sample source exhausted")
	ErrNotConfigured      = errors.New("format and codec config not sent for media kind")
	ErrNotConnected       = errors.New("not connected")
	ErrServiceStopped     = errors.New("service stopped")
)
