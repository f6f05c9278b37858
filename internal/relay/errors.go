package relay

import "errors"

var (
	// ErrNotFound is returned for room ids that are not live in the registry.
	ErrNotFound = errors.New("room not found")
	// ErrUnauthorized is returned by the gate when a token is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedMessage is returned when an inbound envelope cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrDeliveryFailure means a subscriber's mailbox is closed or full.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrIDExhausted means no free room id was found after repeated attempts.
	ErrIDExhausted = errors.New("room id space exhausted")
)
