package runtime

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/internal/runtime/accesspolicy"
	"github.com/drblury/queueflow/internal/runtime/config"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/ids"
	"github.com/drblury/queueflow/transport"
)

func TestNewMessengerValidatesBeforeAnyNetworkAccess(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("memory", func(context.Context, transport.ConnectionString, watermill.LoggerAdapter) (transport.Client, error) {
		t.Fatal("backend must not be built for an invalid configuration")
		return nil, nil
	})
	clock := newFakeClock()

	_, err := NewMessenger(&config.Config{
		Backend:     "memory",
		Credentials: config.AppCredentials{Instance: "acct"},
	}, nil, testDependencies(reg, clock))

	var vErr errspkg.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "app secret must be set")

	_, err = NewMessenger(nil, nil, testDependencies(reg, clock))
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestNewMessengerDoesNotMutateCallerConfig(t *testing.T) {
	conf := memoryConfig("acct", "Orders")
	memoryReg := memoryRegistry(newFakeClock())
	m, err := NewMessenger(conf, nil, testDependencies(memoryReg, newFakeClock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	m.UpdateReceiver("elsewhere", false)
	assert.Equal(t, "Orders", conf.Receiver.EntityName)
	assert.Equal(t, "elsewhere", m.conn.ReceiverName())
	assert.Equal(t, "acct", m.Name())
}

func TestSendReceiveRoundTrip(t *testing.T) {
	m, _ := newMemoryMessenger(t)
	ctx := context.Background()

	sent := order{ID: "o-1", Total: 12.5}
	require.NoError(t, m.Send(ctx, sent, map[string]any{"tenant": "acme"}))

	got, err := ReceiveOneEntity[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sent, got.Body)
	assert.Equal(t, "acme", got.Properties["tenant"])
	assert.Equal(t, 1, got.DequeueCount)
	assert.NotEmpty(t, got.Token)
	assert.Equal(t, 1, m.InFlight())

	require.NoError(t, m.Complete(ctx, got.Token))
	assert.Equal(t, 0, m.InFlight())

	count, err := m.EntityManager().ReceiverMessageCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count.ActiveEntityCount)
}

func TestSendWithoutPropertiesRoundTripsNilProperties(t *testing.T) {
	m, _ := newMemoryMessenger(t)
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, order{ID: "o-1"}, nil))

	got, err := ReceiveOneEntity[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Properties)

	props, err := m.ReadProperties(got.Token)
	require.NoError(t, err)
	assert.Nil(t, props)
}

func TestSendRejectsOversizedEnvelopeBeforeIO(t *testing.T) {
	m, queue := newScriptedMessenger(t)

	err := m.Send(context.Background(), order{ID: strings.Repeat("x", MaxEnvelopeBytes)}, nil)

	var tooLarge *errspkg.MessageTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, MaxEnvelopeBytes, tooLarge.Limit)
	assert.Greater(t, tooLarge.Size, MaxEnvelopeBytes)
	assert.Zero(t, queue.callCount())
}

func TestSendRequiresSender(t *testing.T) {
	m, queue := newScriptedMessenger(t, func(c *config.Config) { c.Sender = nil })

	err := m.Send(context.Background(), order{ID: "o-1"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrSenderNotConfigured)
	assert.Zero(t, queue.callCount())
}

func TestSendBatchIsSequentialAndHonoursProperties(t *testing.T) {
	m, queue := newScriptedMessenger(t)

	orders := []order{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	err := SendBatch(context.Background(), m, orders, func(o order) map[string]any {
		return map[string]any{"key": o.ID}
	})
	require.NoError(t, err)

	require.Len(t, queue.enqueued, 3)
	for i, body := range queue.enqueued {
		assert.Contains(t, string(body), `"key":"`+orders[i].ID+`"`)
	}
	assert.EqualValues(t, 3, testutil.ToFloat64(m.metrics.sentTotal.WithLabelValues("orders")))
}

func TestReceiveOneOnEmptyEntity(t *testing.T) {
	m, _ := newMemoryMessenger(t)

	got, err := ReceiveOne[order](context.Background(), m)
	require.NoError(t, err)
	assert.Nil(t, got)

	batch, err := ReceiveBatch[order](context.Background(), m, 5)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestReceiveBatchReturnsUpToN(t *testing.T) {
	m, _ := newMemoryMessenger(t)
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, m.Send(ctx, invoice{Number: i}, nil))
	}

	batch, err := ReceiveBatch[invoice](ctx, m, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, 0, batch[0].Body.Number)
	assert.Equal(t, 3, m.InFlight())

	rest, err := ReceiveBatch[invoice](ctx, m, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Equal(t, 5, m.InFlight())
}

func TestRedeliveryOfTrackedMessageIsFilteredOut(t *testing.T) {
	m, clock := newMemoryMessenger(t)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, order{ID: "o-1"}, nil))

	first, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The backend hands the message out again once its visibility lapses.
	clock.Advance(31 * time.Second)
	again, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, m.InFlight())

	// The newest receipt was kept, so the delete still matches.
	require.NoError(t, m.Complete(ctx, first.Token))
	count, err := m.EntityManager().ReceiverMessageCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count.ActiveEntityCount)
}

func TestCompleteUntrackedMakesNoBackendCalls(t *testing.T) {
	m, queue := newScriptedMessenger(t)

	err := m.Complete(context.Background(), "unknown")

	var notTracked *errspkg.MessageNotTrackedError
	require.ErrorAs(t, err, &notTracked)
	assert.Equal(t, "unknown", notTracked.Token)
	assert.True(t, notTracked.Malformed)
	assert.Zero(t, queue.callCount())
}

func TestAckRejectsStringsThatAreNotDeliveryTokens(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(envelopeMessage(t, "m-1", order{ID: "o-1"}, nil))
	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	calls := queue.callCount()

	var notTracked *errspkg.MessageNotTrackedError
	for _, token := range []string{"", "m-1", "m-1-r1", got.Token + "x"} {
		require.ErrorAs(t, m.Complete(ctx, token), &notTracked, token)
		assert.True(t, notTracked.Malformed, token)
		require.ErrorAs(t, m.Abandon(ctx, token, nil), &notTracked, token)
		require.ErrorAs(t, m.Error(ctx, token, "bad"), &notTracked, token)
		_, err := m.ReadProperties(token)
		require.ErrorAs(t, err, &notTracked, token)
	}
	assert.Equal(t, calls, queue.callCount())
	assert.Equal(t, 1, m.InFlight())

	err = m.CompleteAll("nope", ids.NewDeliveryToken())
	var first *errspkg.MessageNotTrackedError
	require.ErrorAs(t, err, &first)
	assert.True(t, first.Malformed)
	assert.Contains(t, err.Error(), `"nope" is not a delivery token`)
	assert.Contains(t, err.Error(), "is not tracked")
	assert.Equal(t, 1, m.InFlight())
}

func TestCompleteDeletesExactlyOnce(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(envelopeMessage(t, "m-1", order{ID: "o-1"}, nil))

	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, m.Complete(ctx, got.Token))
	require.Len(t, queue.deleted, 1)
	assert.Equal(t, "m-1-r1", queue.deleted[0].Receipt)
	assert.Equal(t, 0, m.InFlight())

	var notTracked *errspkg.MessageNotTrackedError
	assert.ErrorAs(t, m.Complete(ctx, got.Token), &notTracked)
	assert.Len(t, queue.deleted, 1)
}

func TestCompleteKeepsEntryWhenDeleteFails(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(envelopeMessage(t, "m-1", order{ID: "o-1"}, nil))
	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)

	queue.deleteErr = errors.New("backend down")
	assert.EqualError(t, m.Complete(ctx, got.Token), "backend down")
	assert.Equal(t, 1, m.InFlight())

	queue.deleteErr = nil
	require.NoError(t, m.Complete(ctx, got.Token))
	assert.Equal(t, 0, m.InFlight())
}

func TestCompleteAllOnlyStopsTracking(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(
		envelopeMessage(t, "m-1", order{ID: "o-1"}, nil),
		envelopeMessage(t, "m-2", order{ID: "o-2"}, nil),
	)
	batch, err := ReceiveBatch[order](ctx, m, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	err = m.CompleteAll(batch[0].Token, batch[1].Token, "unknown")

	var notTracked *errspkg.MessageNotTrackedError
	require.ErrorAs(t, err, &notTracked)
	assert.Equal(t, "unknown", notTracked.Token)
	assert.Empty(t, queue.deleted)
	assert.Equal(t, 0, m.InFlight())
	assert.NoError(t, m.CompleteAll())
}

func TestAbandonMakesMessageEligibleForRedelivery(t *testing.T) {
	m, clock := newMemoryMessenger(t)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, order{ID: "o-1"}, nil))

	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, m.Abandon(ctx, got.Token, nil))
	assert.Equal(t, 0, m.InFlight())

	hidden, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	assert.Nil(t, hidden, "abandoned message stays hidden for the extension")

	clock.Advance(AbandonVisibility + time.Second)
	redelivered, err := ReceiveOneEntity[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "o-1", redelivered.Body.ID)
	assert.Equal(t, 2, redelivered.DequeueCount)
	assert.NotEqual(t, got.Token, redelivered.Token)
}

func TestAbandonStoresMergedProperties(t *testing.T) {
	m, clock := newMemoryMessenger(t)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, order{ID: "o-1"}, map[string]any{"attempt": "first", "tenant": "acme"}))

	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NoError(t, m.Abandon(ctx, got.Token, map[string]any{"attempt": "second"}))

	clock.Advance(AbandonVisibility + time.Second)
	again, err := ReceiveOneEntity[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "second", again.Properties["attempt"])
	assert.Equal(t, "acme", again.Properties["tenant"])
	assert.Equal(t, "o-1", again.Body.ID)
}

func TestAbandonUsesFixedExtension(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(envelopeMessage(t, "m-1", order{ID: "o-1"}, nil))
	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)

	require.NoError(t, m.Abandon(ctx, got.Token, nil))
	require.Len(t, queue.updated, 1)
	assert.Equal(t, AbandonVisibility, queue.updated[0].extension)
	assert.Nil(t, queue.updated[0].body)

	var notTracked *errspkg.MessageNotTrackedError
	assert.ErrorAs(t, m.Abandon(ctx, got.Token, nil), &notTracked)
}

func TestAbandonKeepsEntryWhenUpdateFails(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(envelopeMessage(t, "m-1", order{ID: "o-1"}, nil))
	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)

	queue.updateErr = errors.New("throttled")
	assert.Error(t, m.Abandon(ctx, got.Token, nil))
	assert.Equal(t, 1, m.InFlight())
}

func TestErrorDeletesAndAlwaysStopsTracking(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(
		envelopeMessage(t, "m-1", order{ID: "o-1"}, nil),
		envelopeMessage(t, "m-2", order{ID: "o-2"}, nil),
	)
	batch, err := ReceiveBatch[order](ctx, m, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, m.Error(ctx, batch[0].Token, "bad payload"))
	require.Len(t, queue.deleted, 1)
	assert.Equal(t, "m-1", queue.deleted[0].ID)

	queue.deleteErr = errors.New("backend down")
	assert.Error(t, m.Error(ctx, batch[1].Token, ""))
	assert.Equal(t, 0, m.InFlight())

	var notTracked *errspkg.MessageNotTrackedError
	assert.ErrorAs(t, m.Error(ctx, "unknown", ""), &notTracked)
}

func TestReadPropertiesAs(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	ctx := context.Background()
	queue.push(envelopeMessage(t, "m-1", order{ID: "o-1"}, map[string]any{"tenant": "acme", "priority": 3}))

	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)

	type routing struct {
		Tenant   string `json:"tenant"`
		Priority int    `json:"priority"`
	}
	props, err := ReadPropertiesAs[routing](m, got.Token)
	require.NoError(t, err)
	assert.Equal(t, routing{Tenant: "acme", Priority: 3}, props)

	_, err = ReadPropertiesAs[routing](m, "unknown")
	var notTracked *errspkg.MessageNotTrackedError
	assert.ErrorAs(t, err, &notTracked)
}

func TestDecodeFailureAbortsTickWithoutTracking(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	queue.push(
		envelopeMessage(t, "m-1", order{ID: "o-1"}, nil),
		transport.Message{ID: "m-2", Receipt: "m-2-r1", Body: []byte("not json")},
	)

	_, err := ReceiveBatch[order](context.Background(), m, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m-2")
	assert.Equal(t, 0, m.InFlight())
	assert.Empty(t, queue.deleted)
	assert.EqualValues(t, 1, testutil.ToFloat64(m.metrics.pollErrors.WithLabelValues("orders")))
}

func TestDecodeFailureRemovesUndecodableMessagesWhenConfigured(t *testing.T) {
	m, queue := newScriptedMessenger(t, func(c *config.Config) {
		c.Receiver.RemoveSerializationFailureMessages = true
	})
	queue.push(
		envelopeMessage(t, "m-1", order{ID: "o-1"}, nil),
		transport.Message{ID: "m-2", Receipt: "m-2-r1", Body: []byte("not json")},
	)

	batch, err := ReceiveBatch[order](context.Background(), m, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "o-1", batch[0].Body.ID)
	require.Len(t, queue.deleted, 1)
	assert.Equal(t, "m-2", queue.deleted[0].ID)
	assert.EqualValues(t, 1, testutil.ToFloat64(m.metrics.poisonTotal.WithLabelValues("orders")))
}

func TestReceiveFallsBackToRawPayload(t *testing.T) {
	m, queue := newScriptedMessenger(t)
	queue.push(transport.Message{ID: "m-1", Receipt: "r", Body: []byte(`{"id":"raw","total":2}`)})

	got, err := ReceiveOneEntity[order](context.Background(), m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order{ID: "raw", Total: 2}, got.Body)
	assert.Nil(t, got.Properties)
}

func TestUpdateReceiverSwitchesEntity(t *testing.T) {
	m, _ := newMemoryMessenger(t, func(c *config.Config) {
		c.Sender.EntityName = "outbound"
	})
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, order{ID: "o-1"}, nil))

	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	assert.Nil(t, got, "receiver still points at orders")

	m.UpdateReceiver("OUTBOUND", false)
	got, err = ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "o-1", got.Body.ID)
	require.NoError(t, m.Complete(ctx, got.Token))
}

func TestUpdateReceiverCreatesMissingReceiver(t *testing.T) {
	m, _ := newMemoryMessenger(t, func(c *config.Config) { c.Receiver = nil })
	ctx := context.Background()

	_, err := ReceiveOne[order](ctx, m)
	assert.ErrorIs(t, err, errspkg.ErrReceiverNotConfigured)

	exists, err := m.EntityManager().EntityExists(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, exists)

	m.UpdateReceiver("Fresh", true)
	exists, err = m.EntityManager().EntityExists(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, exists, "creation happens on first access")

	got, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err = m.EntityManager().EntityExists(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSignedAccessURLUsesReceiverEntity(t *testing.T) {
	m, clock := newMemoryMessenger(t)
	expiry := clock.Now().Add(time.Hour)

	url, err := m.SignedAccessURL(context.Background(), accesspolicy.SignedAccessConfig{
		Permissions: []accesspolicy.AccessPermission{accesspolicy.Read, accesspolicy.List, accesspolicy.Delete},
		Expiry:      expiry,
	})
	require.NoError(t, err)

	base, query, found := strings.Cut(url, "?")
	require.True(t, found)
	assert.Equal(t, "https://acct.queue.core.windows.net/orders", base)

	cs, err := transport.ParseConnectionString(testConnectionString("acct"))
	require.NoError(t, err)
	want, err := transport.SignQueueAccess(cs, "orders", transport.PermissionRead|transport.PermissionProcess, expiry)
	require.NoError(t, err)
	assert.Equal(t, want, "?"+query)
}

func TestCloseDropsStateAndRejectsFurtherUse(t *testing.T) {
	m, _ := newMemoryMessenger(t)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, order{ID: "o-1"}, nil))
	_, err := ReceiveOne[order](ctx, m)
	require.NoError(t, err)
	require.NoError(t, Receive(m, func(Message[invoice]) {}, nil, 1))

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.InFlight())
	assert.Nil(t, m.subscriptionFor(reflect.TypeFor[invoice]()))
	assert.NoError(t, m.Close())

	assert.ErrorIs(t, m.Send(ctx, order{}, nil), errspkg.ErrMessengerClosed)
	_, err = ReceiveOne[order](ctx, m)
	assert.ErrorIs(t, err, errspkg.ErrMessengerClosed)
	assert.ErrorIs(t, Receive(m, func(Message[order]) {}, nil, 1), errspkg.ErrMessengerClosed)
}

func TestMetricsFollowTheMessageLifecycle(t *testing.T) {
	m, _ := newMemoryMessenger(t)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, order{ID: "a"}, nil))
	require.NoError(t, m.Send(ctx, order{ID: "b"}, nil))

	batch, err := ReceiveBatch[order](ctx, m, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, m.Complete(ctx, batch[0].Token))
	require.NoError(t, m.Abandon(ctx, batch[1].Token, nil))

	stats := m.Metrics().EntityStats("orders")
	require.NotNil(t, stats)
	assert.EqualValues(t, 2, stats.Sent)
	assert.EqualValues(t, 2, stats.Received)
	assert.EqualValues(t, 1, stats.Completed)
	assert.EqualValues(t, 1, stats.Abandoned)
	assert.EqualValues(t, 0, stats.InFlight)
	assert.EqualValues(t, 0, testutil.ToFloat64(m.metrics.inFlight.WithLabelValues("orders")))
}
