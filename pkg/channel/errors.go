package channel

import "errors"

// Fetch failures, one per step of the client state machine.
var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrServiceMissing        = errors.New("payload service missing")
	ErrCharacteristicMissing = errors.New("payload endpoints missing")
	ErrSubscribeFailed       = errors.New("subscribe failed")
	ErrWriteFailed           = errors.New("request write failed")
	ErrEmptyResponse         = errors.New("empty response")
	ErrTimeout               = errors.New("fetch timed out")

	// ErrFetchInFlight is returned when another fetch for the same id is running.
	ErrFetchInFlight = errors.New("fetch already in flight")
	// ErrUnsupportedEndpoint is returned by the server for writes to anything
	// other than the request endpoint.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint")
)

// Kind returns a short label for a fetch error.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionFailed):
		return "connection"
	case errors.Is(err, ErrServiceMissing):
		return "service_missing"
	case errors.Is(err, ErrCharacteristicMissing):
		return "characteristic_missing"
	case errors.Is(err, ErrSubscribeFailed):
		return "subscribe"
	case errors.Is(err, ErrWriteFailed):
		return "write"
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	case errors.Is(err, ErrFetchInFlight):
		return "in_flight"
	default:
		return "other"
	}
}
