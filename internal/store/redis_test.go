package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/safety/internal/domain"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func fireTransition() (domain.StateChangeEvent, domain.VehicleState) {
	vs := domain.NewVehicleState("VEH001", t0)
	st := vs.Categories[domain.CategoryFire]
	st.Status = domain.StatusIncident
	vs.Categories[domain.CategoryFire] = st
	vs.Sequence = 1

	evt := domain.StateChangeEvent{
		ID:         "evt-1",
		VehicleID:  "VEH001",
		Category:   domain.CategoryFire,
		OldStatus:  domain.StatusNormal,
		NewStatus:  domain.StatusIncident,
		Timestamp:  t0,
		Sequence:   1,
		Confidence: 1,
		Sample: domain.TelemetrySample{
			VehicleID:  "VEH001",
			ReceivedAt: t0,
			Fire:       &domain.FireStatus{CabinTempC: domain.Float(70)},
		},
	}
	return evt, vs
}

func TestPipelineTransition(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	sub := r.Client().Subscribe(ctx, IncidentChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	evt, vs := fireTransition()
	require.NoError(t, r.PipelineTransition(ctx, evt, vs))

	state, err := r.MirroredState(ctx, "VEH001")
	require.NoError(t, err)
	assert.Equal(t, "INCIDENT", state["fire"])
	assert.Equal(t, "NORMAL", state["flood"])
	assert.Equal(t, "1", state["sequence"])
	assert.True(t, mr.TTL("vehicle:VEH001:state") > 0)

	select {
	case msg := <-sub.Channel():
		var got domain.StateChangeEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "evt-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("no publish on incident channel")
	}

	queued, ok, err := r.PopIncident(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, evt.ID, queued.ID)
	assert.Equal(t, domain.CategoryFire, queued.Category)
	assert.True(t, evt.Timestamp.Equal(queued.Timestamp))
	require.NotNil(t, queued.Sample.Fire)
	assert.Equal(t, 70.0, *queued.Sample.Fire.CabinTempC)

	_, ok, err = r.PopIncident(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIKeys(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	owner, err := r.GetAPIKey(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, r.SetAPIKey(ctx, "k1", "VEH001"))
	owner, err = r.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "VEH001", owner)
}

func TestClaimDecision(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.ClaimDecision(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimDecision(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(claimTTL + time.Second)
	ok, err = r.ClaimDecision(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecisionQueue(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	rec := domain.DecisionRecord{
		EventID:   "evt-1",
		VehicleID: "VEH001",
		Category:  domain.CategoryFlood,
		Actions:   []string{"dispatch_sos", "unlock_doors"},
		Provider:  "local",
		Degraded:  true,
		DecidedAt: t0,
	}
	require.NoError(t, r.PushDecision(ctx, rec))

	got, ok, err := r.PopDecision(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Actions, got.Actions)
	assert.True(t, got.Degraded)
	assert.True(t, rec.DecidedAt.Equal(got.DecidedAt))
}

func TestRedisErrorsAreWrapped(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.ClaimDecision(context.Background(), "evt-1")
	assert.Error(t, err)
}
