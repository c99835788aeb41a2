package feishu

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultBaseURL = "https://open.feishu.cn"

	TokenPath   = "/open-apis/auth/v3/app_access_token/internal"
	MessagePath = "/open-apis/im/v1/messages"
)

var (
	// ErrNotConfigured is returned when app id or secret is empty.
	// No network call is attempted in that case.
	ErrNotConfigured = errors.New("feishu credentials not configured")
)

// Envelope is the common part of every open-api response.
type Envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIError is a well-formed response with a non-zero code.
// Op is "auth" for the token endpoint and "send" for the message endpoint.
type APIError struct {
	Op   string
	Code int
	Msg  string
	Body string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("feishu %s: code=%d msg=%s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("feishu %s: code=%d body=%s", e.Op, e.Code, Truncate(e.Body, 300))
}

// IsAuthFailure reports whether err is a rejected token request.
func IsAuthFailure(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Op == "auth"
}

// DecodeEnvelope reads code/msg from body. ok is false when body is not a JSON
// object carrying a code field.
func DecodeEnvelope(body []byte) (env Envelope, ok bool) {
	var raw struct {
		Code *int   `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || raw.Code == nil {
		return Envelope{}, false
	}
	return Envelope{Code: *raw.Code, Msg: raw.Msg}, true
}

// Truncate caps s at maxN bytes for log output.
func Truncate(s string, maxN int) string {
	s = strings.TrimSpace(s)
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
