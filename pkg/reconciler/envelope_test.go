package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/tasks/ciexecute"
	"github.com/dukex/relay/pkg/tasks/helmdeploy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    GenericEnvelope
		wantErr bool
	}{
		{
			name: "response",
			raw:  `{"callback_id":"cb-1","kind":"response","command_status":"SUCCESS","payload":{"a":1}}`,
			want: GenericEnvelope{CallbackID: "cb-1", Kind: EnvelopeKindResponse, CommandStatus: models.CommandStatusSuccess, Payload: []byte(`{"a":1}`)},
		},
		{
			name: "kind defaults to response",
			raw:  `{"callback_id":"cb-1","command_status":"FAILURE","error_message":"exit 1"}`,
			want: GenericEnvelope{CallbackID: "cb-1", Kind: EnvelopeKindResponse, CommandStatus: models.CommandStatusFailure, ErrorMessage: "exit 1"},
		},
		{
			name: "generic error",
			raw:  `{"callback_id":"cb-1","kind":"error","error_message":"no eligible delegates"}`,
			want: GenericEnvelope{CallbackID: "cb-1", Kind: EnvelopeKindError, ErrorMessage: "no eligible delegates"},
		},
		{name: "not json", raw: `<html>`, wantErr: true},
		{name: "missing callback id", raw: `{"kind":"response","command_status":"SUCCESS"}`, wantErr: true},
		{name: "unknown kind", raw: `{"callback_id":"cb-1","kind":"progress"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedEnvelope))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want.CallbackID, got.CallbackID)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.CommandStatus, got.CommandStatus)
			assert.Equal(t, tt.want.ErrorMessage, got.ErrorMessage)

			if tt.want.Payload != nil {
				assert.JSONEq(t, string(tt.want.Payload), string(got.Payload))
			}
		})
	}
}

func TestInterpret(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("generic error is a transport error", func(t *testing.T) {
		result := Interpret(GenericEnvelope{CallbackID: "cb-1", Kind: EnvelopeKindError, ErrorMessage: "socket closed"}, nil, at)

		assert.True(t, result.TransportError)
		assert.Equal(t, models.CommandStatusFailure, result.CommandStatus)
		assert.Equal(t, "socket closed", result.ErrorMessage)
		assert.Equal(t, at, result.ReceivedAt)
	})

	t.Run("missing status is a transport error", func(t *testing.T) {
		result := Interpret(GenericEnvelope{CallbackID: "cb-1", Kind: EnvelopeKindResponse}, nil, at)

		assert.True(t, result.TransportError)
		assert.NotEmpty(t, result.ErrorMessage)
	})

	t.Run("task failure keeps the executor message", func(t *testing.T) {
		result := Interpret(GenericEnvelope{
			CallbackID:    "cb-1",
			Kind:          EnvelopeKindResponse,
			CommandStatus: models.CommandStatusFailure,
			ErrorMessage:  "exit code 2",
		}, helmdeploy.NewFactory(), at)

		assert.False(t, result.TransportError)
		assert.Equal(t, models.CommandStatusFailure, result.CommandStatus)
		assert.Equal(t, "exit code 2", result.ErrorMessage)
	})

	t.Run("unrecognized status fails the task", func(t *testing.T) {
		result := Interpret(GenericEnvelope{CallbackID: "cb-1", Kind: EnvelopeKindResponse, CommandStatus: "RUNNING"}, nil, at)

		assert.False(t, result.TransportError)
		assert.Equal(t, models.CommandStatusFailure, result.CommandStatus)
		assert.Contains(t, result.ErrorMessage, "RUNNING")
	})

	t.Run("status mapper refines success", func(t *testing.T) {
		result := Interpret(GenericEnvelope{
			CallbackID:    "cb-1",
			Kind:          EnvelopeKindResponse,
			CommandStatus: models.CommandStatusSuccess,
			Payload:       []byte(`{"step_status":"SKIPPED"}`),
		}, ciexecute.NewFactory(), at)

		assert.Equal(t, models.CommandStatusSkipped, result.CommandStatus)
	})

	t.Run("task type without mapper keeps status", func(t *testing.T) {
		result := Interpret(GenericEnvelope{
			CallbackID:    "cb-1",
			Kind:          EnvelopeKindResponse,
			CommandStatus: models.CommandStatusSuccess,
			Payload:       []byte(`{"step_status":"SKIPPED"}`),
		}, helmdeploy.NewFactory(), at)

		assert.Equal(t, models.CommandStatusSuccess, result.CommandStatus)
	})
}

func TestSalvageCallbackID(t *testing.T) {
	assert.Equal(t, "cb-1", salvageCallbackID([]byte(`{"callback_id":"cb-1","kind":"progress"}`)))
	assert.Empty(t, salvageCallbackID([]byte(`garbage`)))
}
