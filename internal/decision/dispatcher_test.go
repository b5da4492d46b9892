package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/logging"
)

type countingExecutor struct {
	mu   sync.Mutex
	recs []domain.DecisionRecord
}

func (c *countingExecutor) Execute(_ context.Context, rec domain.DecisionRecord) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func incident(id string, cat domain.Category) domain.StateChangeEvent {
	return domain.StateChangeEvent{
		ID:         id,
		VehicleID:  "VEH001",
		Category:   cat,
		OldStatus:  domain.StatusNormal,
		NewStatus:  domain.StatusIncident,
		Timestamp:  time.Now(),
		Sequence:   1,
		Confidence: 1,
	}
}

func localActionsFor(t *testing.T, cat domain.Category) []string {
	t.Helper()
	d, err := NewLocalProvider().Decide(context.Background(), Request{Category: cat, VehicleID: "VEH001"})
	require.NoError(t, err)
	return d.Actions
}

func remoteServer(t *testing.T, handler http.HandlerFunc) *RemoteProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRemoteProvider(RemoteConfig{URL: srv.URL, APIKey: "secret", AgentID: "guardian_v1"}, srv.Client())
}

func TestLocalOnlyDecision(t *testing.T) {
	ex := &countingExecutor{}
	d := NewDispatcher(DispatcherOptions{Executors: []Executor{ex}}, logging.Discard())

	rec, err := d.Decide(context.Background(), incident("e1", domain.CategoryFire))
	require.NoError(t, err)

	assert.Equal(t, "local", rec.Provider)
	assert.False(t, rec.Degraded)
	assert.Equal(t, []string{"dispatch_sos", "unlock_doors", "emergency_alarm", "emergency_lighting", "pa_announcement"}, rec.Actions)
	assert.Equal(t, 1, ex.count())
}

func TestRemoteDecision(t *testing.T) {
	var gotAuth string
	var gotReq map[string]any
	remote := remoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/decide", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(Decision{Actions: []string{"dispatch_sos"}, Rationale: "fire confirmed"})
	})
	d := NewDispatcher(DispatcherOptions{Remote: remote, Timeout: time.Second}, logging.Discard())

	rec, err := d.Decide(context.Background(), incident("e1", domain.CategoryFire))
	require.NoError(t, err)

	assert.Equal(t, "remote", rec.Provider)
	assert.False(t, rec.Degraded)
	assert.Equal(t, []string{"dispatch_sos"}, rec.Actions)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "guardian_v1", gotReq["agent_id"])
	assert.Equal(t, "FIRE", gotReq["category"])
	assert.Equal(t, "NORMAL", gotReq["prior_status"])
}

func TestRemoteFailuresFallBackToLocal(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		reason  string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			reason: "unavailable",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"actions": "not-a-list"`))
			},
			reason: "malformed",
		},
		{
			name: "no actions",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"actions": [], "rationale": "?"}`))
			},
			reason: "malformed",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			reason: "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &countingExecutor{}
			d := NewDispatcher(DispatcherOptions{
				Remote:    remoteServer(t, tt.handler),
				Timeout:   100 * time.Millisecond,
				Executors: []Executor{ex},
			}, logging.Discard())

			rec, err := d.Decide(context.Background(), incident("e-"+tt.name, domain.CategoryCollision))
			require.NoError(t, err)

			assert.True(t, rec.Degraded)
			assert.Equal(t, "local", rec.Provider)
			assert.Equal(t, localActionsFor(t, domain.CategoryCollision), rec.Actions)
			assert.Contains(t, rec.FallbackReason, tt.reason)
			assert.Equal(t, 1, ex.count(), "degraded decisions are still executed")
		})
	}
}

func TestUnreachableRemoteFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewDispatcher(DispatcherOptions{
		Remote:  NewRemoteProvider(RemoteConfig{URL: url}, nil),
		Timeout: time.Second,
	}, logging.Discard())

	rec, err := d.Decide(context.Background(), incident("e1", domain.CategoryFlood))
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Equal(t, localActionsFor(t, domain.CategoryFlood), rec.Actions)
}

func TestTokenExchangeIsCached(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ibm:params:oauth:grant-type:apikey", r.PostForm.Get("grant_type"))
		assert.Equal(t, "secret", r.PostForm.Get("apikey"))
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	decideSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"actions":["notify_fleet"],"rationale":"ok"}`))
	}))
	defer decideSrv.Close()

	p := NewRemoteProvider(RemoteConfig{URL: decideSrv.URL, APIKey: "secret", TokenURL: tokenSrv.URL}, nil)

	for i := 0; i < 3; i++ {
		_, err := p.Decide(context.Background(), Request{EventID: "e", Category: domain.CategoryOverspeed})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestRepeatedEventIsNotReExecuted(t *testing.T) {
	ex := &countingExecutor{}
	d := NewDispatcher(DispatcherOptions{Executors: []Executor{ex}}, logging.Discard())
	evt := incident("same-id", domain.CategoryDriverFatigue)

	first, err := d.Decide(context.Background(), evt)
	require.NoError(t, err)
	second, err := d.Decide(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, ex.count())
}

func TestForeignClaimSkipsExecution(t *testing.T) {
	ex := &countingExecutor{}
	claimer := ClaimerFunc(func(context.Context, string) (bool, error) { return false, nil })
	d := NewDispatcher(DispatcherOptions{Claimer: claimer, Executors: []Executor{ex}}, logging.Discard())

	_, err := d.Decide(context.Background(), incident("e1", domain.CategoryFire))
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Zero(t, ex.count())
}

func TestPublishDecidesOnlyIncidents(t *testing.T) {
	ex := &countingExecutor{}
	d := NewDispatcher(DispatcherOptions{Executors: []Executor{ex}}, logging.Discard())

	cleared := incident("e-clear", domain.CategoryFire)
	cleared.OldStatus, cleared.NewStatus = domain.StatusIncident, domain.StatusNormal

	d.Publish(cleared, domain.VehicleState{})
	d.Publish(incident("e-fire", domain.CategoryFire), domain.VehicleState{})
	d.Publish(incident("e-speed", domain.CategoryOverspeed), domain.VehicleState{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, 2, ex.count())
	assert.Len(t, d.Audit().ForVehicle("VEH001"), 2)

	// Closed dispatchers drop new work.
	d.Publish(incident("late", domain.CategoryFire), domain.VehicleState{})
	assert.Equal(t, 2, ex.count())
}

func TestAuditTrailIsBounded(t *testing.T) {
	a := NewAuditTrail(2)
	for _, id := range []string{"a", "b", "c"} {
		a.Record(domain.DecisionRecord{EventID: id, VehicleID: "V"})
	}

	recs := a.ForVehicle("V")
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].EventID)
	assert.Equal(t, "c", recs[1].EventID)

	_, ok := a.Lookup("a")
	assert.False(t, ok)
	_, ok = a.Lookup("c")
	assert.True(t, ok)
}

func TestMemoryClaimer(t *testing.T) {
	now := time.Now()
	m := NewMemoryClaimer(time.Minute)
	m.now = func() time.Time { return now }

	ok, _ := m.Claim(context.Background(), "e1")
	assert.True(t, ok)
	ok, _ = m.Claim(context.Background(), "e1")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = m.Claim(context.Background(), "e1")
	assert.True(t, ok)
}
