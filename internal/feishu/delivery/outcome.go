package delivery

import (
	"fmt"
	"time"
)

type Kind int

const (
	Success Kind = iota
	// ConfigError: credentials missing, nothing was sent.
	ConfigError
	// AuthFailure: the token endpoint rejected the credentials.
	AuthFailure
	// TransportError: network failure or non-2xx after the pool's retries.
	TransportError
	// DeliveryFailure: the message endpoint answered with a non-zero code.
	DeliveryFailure
	// Closed: the transport pool was shut down.
	Closed
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case ConfigError:
		return "config_error"
	case AuthFailure:
		return "auth_failure"
	case TransportError:
		return "transport_error"
	case DeliveryFailure:
		return "delivery_failure"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one Deliver call. It is always returned as a value.
type Outcome struct {
	Kind      Kind
	Reason    string // empty on success
	Code      int    // platform code, when a response was decoded
	Body      string // raw response body on DeliveryFailure (truncated)
	MessageID string
	UUID      string
	Took      time.Duration
}

func (o Outcome) OK() bool { return o.Kind == Success }

func (o Outcome) String() string {
	if o.OK() {
		return "success"
	}
	return o.Kind.String() + ": " + o.Reason
}
