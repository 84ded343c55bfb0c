package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload_Instants(t *testing.T) {
	want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "rfc3339", raw: `{"start":"2026-03-02T10:00:00Z"}`},
		{name: "with offset", raw: `{"start":"2026-03-02T13:00:00+03:00"}`},
		{name: "no zone", raw: `{"start":"2026-03-02T10:00:00"}`},
		{name: "epoch millis", raw: `{"start":1772445600000}`},
		{name: "epoch millis string", raw: `{"start":"1772445600000"}`},
		{name: "dateTime wrapper", raw: `{"start":{"dateTime":"2026-03-02T10:00:00Z","timeZone":"UTC"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePayload([]byte(tt.raw))
			require.NoError(t, err)
			require.NotNil(t, p.Start)
			assert.True(t, want.Equal(*p.Start), "got %s", p.Start)
			assert.Nil(t, p.End)
		})
	}
}

func TestParsePayload_Attendees(t *testing.T) {
	p, err := ParsePayload([]byte(`{"attendees":["a@x.io",{"email":"b@x.io"}],"summary":"sync"}`))
	require.NoError(t, err)
	require.NotNil(t, p.Attendees)
	assert.Equal(t, 2, *p.Attendees)
	assert.Equal(t, "sync", p.Extra["summary"])

	p, err = ParsePayload([]byte(`{"attendees":"nobody"}`))
	require.NoError(t, err)
	assert.Nil(t, p.Attendees)
}

func TestParsePayload_EmptyAndInvalid(t *testing.T) {
	p, err := ParsePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, p.Start)
	assert.JSONEq(t, `{}`, string(p.Context()))

	p, err = ParsePayload([]byte("  "))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(p.Context()))

	_, err = ParsePayload([]byte(`[1,2,3]`))
	assert.Error(t, err)

	p, err = ParsePayload([]byte(`{"start":"tomorrow"}`))
	require.NoError(t, err)
	assert.Nil(t, p.Start)
	assert.JSONEq(t, `{"start":"tomorrow"}`, string(p.Context()))
}

func TestReasoningLevel(t *testing.T) {
	assert.Equal(t, ReasoningNone, ReasoningLevel("").Normalize())
	assert.Equal(t, ReasoningNone, ReasoningLevel("strict").Normalize())
	assert.Greater(t, ReasoningHard.Rank(), ReasoningSoft.Rank())
	assert.Greater(t, ReasoningSoft.Rank(), ReasoningNone.Rank())
}

func TestConditionsKeysSorted(t *testing.T) {
	c := Conditions{"max_duration": nil, "business_hours_only": nil, "max_attendees": nil}
	assert.Equal(t, []string{"business_hours_only", "max_attendees", "max_duration"}, c.Keys())
}

func TestAuthReason(t *testing.T) {
	assert.Equal(t, "revoked", AuthReason(ErrRevoked))
	assert.True(t, IsAuthError(ErrAgentDisabled))
	assert.False(t, IsAuthError(ErrEngineUnavailable))
	assert.Equal(t, "unknown", AuthReason(ErrEngineUnavailable))
}
