package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/septivank/energy-uplink-ingest/tools/timeparser"
)

// ErrInvalidUplink marks an uplink body that cannot be processed.
var ErrInvalidUplink = errors.New("invalid uplink")

// Severity routes an uplink to the reading path or the error path.
type Severity string

const (
	SeverityNormal Severity = "NORMAL"
	SeverityError  Severity = "ERROR"
)

// DeviceError is the error report carried by an ERROR uplink.
type DeviceError struct {
	Code        string
	Description string
	Context     json.RawMessage
}

// Uplink is a decoded and validated telemetry packet.
type Uplink struct {
	DeviceID      string
	DeviceProfile string
	Severity      Severity
	SubAddress    string
	Fields        map[string]any
	Error         DeviceError

	// Timestamp is the device reporting time, or ReceivedAt when absent.
	Timestamp  time.Time
	ReceivedAt time.Time
	// ClockSkew is set when the device timestamp is outside the tolerance window.
	ClockSkew bool

	Raw []byte
}

type rawUplink struct {
	DeviceIdentifier  string          `json:"deviceIdentifier"`
	DevEUI            string          `json:"devEUI"`
	DeviceIDAlt       string          `json:"deviceId"`
	DeviceProfile     string          `json:"deviceProfile"`
	DeviceProfileName string          `json:"deviceProfileName"`
	Timestamp         any             `json:"timestamp"`
	SeverityLevel     string          `json:"severityLevel"`
	PayloadFields     map[string]any  `json:"payloadFields"`
	Object            map[string]any  `json:"object"`
	SubAddress        any             `json:"subAddress"`
	Error             *rawDeviceError `json:"error"`
}

type rawDeviceError struct {
	Code        any             `json:"code"`
	Description string          `json:"description"`
	Context     json.RawMessage `json:"context"`
}

// Validator decodes uplink bodies
type Validator struct {
	timestampTolerance time.Duration
}

// NewValidator creates a new validator with the specified clock-skew tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampTolerance: time.Duration(timestampToleranceMinutes) * time.Minute,
	}
}

// Decode parses body into an Uplink. Every returned error wraps ErrInvalidUplink.
func (v *Validator) Decode(body []byte, receivedAt time.Time) (*Uplink, error) {
	var raw rawUplink
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidUplink, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidUplink)
	}

	u := &Uplink{
		DeviceID:      firstNonEmpty(raw.DeviceIdentifier, raw.DevEUI, raw.DeviceIDAlt),
		DeviceProfile: strings.TrimSpace(firstNonEmpty(raw.DeviceProfile, raw.DeviceProfileName)),
		ReceivedAt:    receivedAt,
		Raw:           body,
	}
	if u.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing deviceIdentifier", ErrInvalidUplink)
	}

	severity, err := parseSeverity(raw.SeverityLevel)
	if err != nil {
		return nil, err
	}
	u.Severity = severity

	sub, ok := scalarString(raw.SubAddress)
	if !ok {
		return nil, fmt.Errorf("%w: subAddress must be a string or number", ErrInvalidUplink)
	}
	u.SubAddress = sub

	fields := raw.PayloadFields
	if fields == nil {
		fields = raw.Object
	}
	if u.Severity == SeverityNormal {
		for name, value := range fields {
			switch value.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("%w: payload field %q is not a scalar", ErrInvalidUplink, name)
			}
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	u.Fields = fields

	u.Timestamp = receivedAt
	if raw.Timestamp != nil {
		ts, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			return nil, err
		}
		u.Timestamp = ts
		u.ClockSkew = !timeparser.IsWithinTolerance(ts, receivedAt, v.timestampTolerance)
	}

	switch {
	case raw.Error != nil:
		code, ok := scalarString(raw.Error.Code)
		if !ok {
			return nil, fmt.Errorf("%w: error.code must be a string or number", ErrInvalidUplink)
		}
		u.Error = DeviceError{
			Code:        code,
			Description: raw.Error.Description,
			Context:     raw.Error.Context,
		}
	case u.Severity == SeverityError:
		deviceErr, err := errorFromFields(u.Fields)
		if err != nil {
			return nil, err
		}
		u.Error = deviceErr
	}

	return u, nil
}

var (
	errorCodeKeys        = []string{"code", "errorCode", "error_code"}
	errorDescriptionKeys = []string{"description", "errorDescription", "error_description", "message"}
)

// errorFromFields reads an error report carried in payloadFields. The whole
// payload becomes the context.
func errorFromFields(fields map[string]any) (DeviceError, error) {
	var e DeviceError
	if len(fields) == 0 {
		return e, nil
	}

	for _, key := range errorCodeKeys {
		if code, ok := scalarString(fields[key]); ok && code != "" {
			e.Code = code
			break
		}
	}
	for _, key := range errorDescriptionKeys {
		if desc, ok := scalarString(fields[key]); ok && desc != "" {
			e.Description = desc
			break
		}
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return e, fmt.Errorf("%w: payloadFields cannot be encoded: %v", ErrInvalidUplink, err)
	}
	e.Context = payload
	return e, nil
}

func parseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(SeverityNormal):
		return SeverityNormal, nil
	case string(SeverityError):
		return SeverityError, nil
	default:
		return "", fmt.Errorf("%w: unknown severityLevel %q", ErrInvalidUplink, s)
	}
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q is not an integer unix time", ErrInvalidUplink, t.String())
		}
		return timeparser.FromUnix(n), nil
	case string:
		ts, err := timeparser.ParseUplinkTimestamp(t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidUplink, err)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp must be a string or number", ErrInvalidUplink)
	}
}

// scalarString renders a string or number as a string. nil renders as "".
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
