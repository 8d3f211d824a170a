package validator_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/energy-uplink-ingest/internal/validator"
)

const testTimestampToleranceMinutes = 5

var receivedAt = time.Date(2025, 12, 29, 10, 32, 0, 0, time.UTC)

func TestDecode_ValidUplink(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	body := []byte(`{
		"deviceIdentifier": "a84041000181c2d1",
		"deviceProfile": "ADW300",
		"timestamp": "2025-12-29T10:30:00Z",
		"severityLevel": "normal",
		"payloadFields": {"Ua": 230.1, "Ub": null, "Pa": "1.5", "DI1": true}
	}`)

	u, err := v.Decode(body, receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "a84041000181c2d1", u.DeviceID)
	assert.Equal(t, "ADW300", u.DeviceProfile)
	assert.Equal(t, validator.SeverityNormal, u.Severity)
	assert.Equal(t, time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC), u.Timestamp)
	assert.Equal(t, receivedAt, u.ReceivedAt)
	assert.False(t, u.ClockSkew)
	assert.Equal(t, json.Number("230.1"), u.Fields["Ua"])
	assert.Contains(t, u.Fields, "Ub")
	assert.Nil(t, u.Fields["Ub"])
	assert.Equal(t, "1.5", u.Fields["Pa"])
	assert.Equal(t, true, u.Fields["DI1"])
	assert.Equal(t, body, u.Raw)
}

func TestDecode_Aliases(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	u, err := v.Decode([]byte(`{
		"devEUI": "gw-1",
		"deviceProfileName": "RS485-12CH",
		"subAddress": 35,
		"object": {"U": 229}
	}`), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", u.DeviceID)
	assert.Equal(t, "RS485-12CH", u.DeviceProfile)
	assert.Equal(t, "35", u.SubAddress)
	assert.Equal(t, json.Number("229"), u.Fields["U"])
}

func TestDecode_Defaults(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	u, err := v.Decode([]byte(`{"deviceId": "dev-2"}`), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, "dev-2", u.DeviceID)
	assert.Empty(t, u.DeviceProfile)
	assert.Equal(t, validator.SeverityNormal, u.Severity)
	assert.Equal(t, receivedAt, u.Timestamp)
	assert.NotNil(t, u.Fields)
	assert.Empty(t, u.Fields)
}

func TestDecode_Timestamps(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	tests := []struct {
		name      string
		timestamp string
		want      time.Time
		skew      bool
	}{
		{"unix seconds", `1767004245`, time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC), false},
		{"unix millis", `1767004245000`, time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC), false},
		{"sql layout", `"2025-12-29 10:31:00"`, time.Date(2025, 12, 29, 10, 31, 0, 0, time.UTC), false},
		{"day first", `"29/12/2025 10:31:00"`, time.Date(2025, 12, 29, 10, 31, 0, 0, time.UTC), false},
		{"outside tolerance", `"2025-12-29T09:00:00Z"`, time.Date(2025, 12, 29, 9, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"deviceIdentifier":"dev-1","timestamp":` + tt.timestamp + `}`)

			u, err := v.Decode(body, receivedAt)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(u.Timestamp), "got %v", u.Timestamp)
			assert.Equal(t, tt.skew, u.ClockSkew)
		})
	}
}

func TestDecode_ErrorUplink(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	u, err := v.Decode([]byte(`{
		"deviceIdentifier": "dev-1",
		"severityLevel": "ERROR",
		"error": {"code": 17, "description": "CT disconnected", "context": {"phase": "B"}}
	}`), receivedAt)
	require.NoError(t, err)

	assert.Equal(t, validator.SeverityError, u.Severity)
	assert.Equal(t, "17", u.Error.Code)
	assert.Equal(t, "CT disconnected", u.Error.Description)
	assert.JSONEq(t, `{"phase":"B"}`, string(u.Error.Context))
}

func TestDecode_ErrorUplinkFromPayloadFields(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	tests := []struct {
		name        string
		body        string
		code        string
		description string
		context     string
	}{
		{
			name:        "code and description",
			body:        `{"deviceIdentifier":"dev-1","severityLevel":"ERROR","payloadFields":{"code":"E42","description":"phase loss","phase":"C"}}`,
			code:        "E42",
			description: "phase loss",
			context:     `{"code":"E42","description":"phase loss","phase":"C"}`,
		},
		{
			name:        "numeric errorCode with nested context",
			body:        `{"deviceIdentifier":"dev-1","severityLevel":"error","payloadFields":{"errorCode":17,"message":"CT disconnected","detail":{"phases":["A","B"]}}}`,
			code:        "17",
			description: "CT disconnected",
			context:     `{"errorCode":17,"message":"CT disconnected","detail":{"phases":["A","B"]}}`,
		},
		{
			name: "no payload",
			body: `{"deviceIdentifier":"dev-1","severityLevel":"ERROR"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := v.Decode([]byte(tt.body), receivedAt)
			require.NoError(t, err)

			assert.Equal(t, validator.SeverityError, u.Severity)
			assert.Equal(t, tt.code, u.Error.Code)
			assert.Equal(t, tt.description, u.Error.Description)
			if tt.context == "" {
				assert.Empty(t, u.Error.Context)
				return
			}
			assert.JSONEq(t, tt.context, string(u.Error.Context))
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `deviceIdentifier=dev-1`},
		{"array body", `[{"deviceIdentifier":"dev-1"}]`},
		{"trailing data", `{"deviceIdentifier":"dev-1"} {}`},
		{"missing device", `{"deviceProfile":"ADW300"}`},
		{"blank device", `{"deviceIdentifier":"   "}`},
		{"numeric device", `{"deviceIdentifier":42}`},
		{"unknown severity", `{"deviceIdentifier":"dev-1","severityLevel":"WARN"}`},
		{"bad timestamp", `{"deviceIdentifier":"dev-1","timestamp":"yesterday"}`},
		{"fractional timestamp", `{"deviceIdentifier":"dev-1","timestamp":1767004245.5}`},
		{"object subAddress", `{"deviceIdentifier":"dev-1","subAddress":{"a":1}}`},
		{"nested payload field", `{"deviceIdentifier":"dev-1","payloadFields":{"Ua":{"v":230}}}`},
		{"array payload field", `{"deviceIdentifier":"dev-1","payloadFields":{"Ua":[230]}}`},
		{"payload not an object", `{"deviceIdentifier":"dev-1","payloadFields":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decode([]byte(tt.body), receivedAt)
			require.Error(t, err)
			assert.ErrorIs(t, err, validator.ErrInvalidUplink)
		})
	}
}
