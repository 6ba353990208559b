package messaging

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Codec stages at which a MessageEncodingError can occur.
const (
	StageEncode = "encode"
	StageBytes  = "bytes"
	StageJSON   = "json"
	StageSchema = "schema"
)

// MessageEncodingError reports a serialization or validation failure. These
// are never retried.
type MessageEncodingError struct {
	Stage   string
	Message string
	Context map[string]string
	Err     error
}

func (e *MessageEncodingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "message %s: %s", e.Stage, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *MessageEncodingError) Unwrap() error { return e.Err }

// PubSubErrorType classifies publish failures.
type PubSubErrorType string

const (
	// ClientError is a transient broker/client failure and is retried.
	ClientError PubSubErrorType = "ClientError"
	// SchemaValidation covers encoding failures and broker schema rejections.
	SchemaValidation PubSubErrorType = "SchemaValidation"
	// RetryExceeded means every attempt failed with a ClientError.
	RetryExceeded PubSubErrorType = "RetryExceeded"
)

// PubSubError is returned by the publisher.
type PubSubError struct {
	Type     PubSubErrorType
	Topic    string
	Attempts int
	Err      error
}

func (e *PubSubError) Error() string {
	return fmt.Sprintf("publish to %s failed (%s after %d attempts): %v", e.Topic, e.Type, e.Attempts, e.Err)
}

func (e *PubSubError) Unwrap() error { return e.Err }

// ErrSchemaRejected is wrapped by senders when the broker refuses a message
// because of its shape. Such failures are not retried.
var ErrSchemaRejected = errors.New("message rejected by broker schema")
