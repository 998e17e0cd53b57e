package channels

import "fmt"

// ErrNoPlatformFactory reports a channel spec naming a platform nothing
// registered a factory for. Reload skips that channel.
type ErrNoPlatformFactory struct {
	Channel  string
	Platform string
}

func (e *ErrNoPlatformFactory) Error() string {
	return fmt.Sprintf("channels: %s: unknown platform %q", e.Channel, e.Platform)
}

// ErrSendFailed wraps a delivery failure with the channel it happened on.
// notify logs it per channel and keeps going with the others.
type ErrSendFailed struct {
	Channel  string
	Platform string
	Cause    error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: %s via %s: %v", e.Channel, e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

func sendFailed(name, platform string, cause error) error {
	return &ErrSendFailed{Channel: name, Platform: platform, Cause: cause}
}
