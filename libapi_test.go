package queueflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/memory"
)

type greeting struct {
	Text string `json:"text"`
}

func newExportMessenger(t *testing.T) *Messenger {
	t.Helper()
	memory.Reset()
	t.Cleanup(memory.Reset)

	cfg := &Config{
		Backend:     memory.TransportName,
		Credentials: ConnectionStringCredentials{ConnectionString: "AccountName=exports;AccountKey=a2V5"},
		Receiver:    &ReceiverConfig{EntityName: "greetings", CreateEntityIfNotExists: true, PollFrequency: 10 * time.Millisecond},
		Sender:      &SenderConfig{EntityName: "greetings", CreateEntityIfNotExists: true},
	}
	m, err := NewMessenger(cfg, NopLogger(), MessengerDependencies{
		MetricsRegisterer: prometheus.NewRegistry(),
		SettleDelay:       -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestDefaultRegistryHasBuiltInBackends(t *testing.T) {
	assert.True(t, DefaultTransportRegistry.Has("memory"))
	assert.True(t, DefaultTransportRegistry.Has("sqs"))
	assert.True(t, DefaultTransportRegistry.Has("storagequeue"))
}

func TestExportedRoundTrip(t *testing.T) {
	m := newExportMessenger(t)
	ctx := context.Background()

	require.NoError(t, SendBatch(ctx, m, []greeting{{Text: "hello"}, {Text: "world"}}, nil))

	batch, err := ReceiveBatch[greeting](ctx, m, 5)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, msg := range batch {
		require.NoError(t, m.Complete(ctx, msg.Token))
	}

	none, err := ReceiveOne[greeting](ctx, m)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestExportedStream(t *testing.T) {
	m := newExportMessenger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := StartReceive[greeting](m, 1)
	require.NoError(t, err)
	defer CancelReceive[greeting](m)

	results, err := stream.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, greeting{Text: "streamed"}, map[string]any{"lang": "en"}))

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		assert.Equal(t, "streamed", res.Message.Body.Text)

		type props struct {
			Lang string `json:"lang"`
		}
		p, err := ReadPropertiesAs[props](m, res.Message.Token)
		require.NoError(t, err)
		assert.Equal(t, "en", p.Lang)
	case <-ctx.Done():
		t.Fatal("no message streamed")
	}
}

func TestExportedErrors(t *testing.T) {
	_, err := NewMessenger(nil, nil, MessengerDependencies{})
	assert.ErrorIs(t, err, ErrConfigRequired)

	m := newExportMessenger(t)
	err = m.Complete(context.Background(), "missing")
	var notTracked *MessageNotTrackedError
	assert.True(t, errors.As(err, &notTracked))
}

func TestExportedEnvelopeHelpers(t *testing.T) {
	data, err := NewEnvelope(greeting{Text: "hi"}, nil).AsJSON()
	require.NoError(t, err)

	env, err := DecodeEnvelope[greeting](data)
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Body.Text)
	assert.Nil(t, env.Properties)
}

func TestExportedPermissionTranslation(t *testing.T) {
	assert.Equal(t, transport.PermissionProcess, TranslatePermissions([]AccessPermission{PermissionList, PermissionDelete}))
	assert.Equal(t, transport.PermissionNone, TranslatePermissions(nil))
}
