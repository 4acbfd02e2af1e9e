// ABOUTME: Tests for Resonate time protocol message types
// ABOUTME: Verifies envelope decoding and optional field encoding
package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeDecode(t *testing.T) {
	raw := `{"type":"server/time","payload":{"query_id":"q1","client_transmitted":10,"server_received":20,"server_transmitted":30,"source":"peer-b"}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	require.Equal(t, TypeServerTime, env.Type)

	var st ServerTime
	require.NoError(t, env.Decode(&st))
	require.Equal(t, ServerTime{
		QueryID:           "q1",
		ClientTransmitted: 10,
		ServerReceived:    20,
		ServerTransmitted: 30,
		Source:            "peer-b",
	}, st)
}

func TestEnvelopeDecodeError(t *testing.T) {
	env := Envelope{Type: TypeClientTime, Payload: json.RawMessage(`{"query_id":5}`)}
	var ct ClientTime
	err := env.Decode(&ct)
	require.Error(t, err)
	require.Contains(t, err.Error(), TypeClientTime)
}

func TestClientTimeOmitsEmptyTarget(t *testing.T) {
	b, err := json.Marshal(Message{Type: TypeClientTime, Payload: ClientTime{QueryID: "q"}})
	require.NoError(t, err)
	require.NotContains(t, string(b), "target")

	b, err = json.Marshal(ClientTime{QueryID: "q", Target: "kitchen"})
	require.NoError(t, err)
	require.Contains(t, string(b), `"target":"kitchen"`)
}
