package phx

import "fmt"

const (
	AlreadyConnectedError = iota

	AuthenticationError

	ChannelUnavailableError

	ConnectionLostError

	ConnectionRefusedError

	InvalidURIError

	JoinRejectedError

	MalformedFrameError

	NotConnectedError

	ProtocolError

	PushTimeoutError

	UnknownError
)

// NewError builds a typed client error from an error code and optional detail.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case AuthenticationError:
		errorName = "AuthenticationError"
	case ChannelUnavailableError:
		errorName = "ChannelUnavailableError"
	case ConnectionLostError:
		errorName = "ConnectionLostError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case JoinRejectedError:
		errorName = "JoinRejectedError"
	case MalformedFrameError:
		errorName = "MalformedFrameError"
	case NotConnectedError:
		errorName = "NotConnectedError"
	case ProtocolError:
		errorName = "ProtocolError"
	case PushTimeoutError:
		errorName = "PushTimeoutError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}
