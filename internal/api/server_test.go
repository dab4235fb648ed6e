package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/activator"
	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/fleet"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/mesh"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/processctl"
	"github.com/osmoda/safeswitch/internal/switchengine"
	"github.com/osmoda/safeswitch/internal/watcher"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	switchStore, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	switches, err := switchengine.New(switchengine.Deps{
		Switcher: activator.NewFake("config-a"),
		Gate:     activator.NewGate(),
		Prober:   health.New(processctl.NewFake()),
		Store:    switchStore,
		Clock:    clock.New(),
		Log:      zap.NewNop(),
		Ledger:   ledger.NewFake(),
		Retain:   8,
	})
	require.NoError(t, err)
	t.Cleanup(switches.Close)

	watcherStore, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	watchers, err := watcher.New(watcher.Deps{
		Prober:    health.New(processctl.NewFake()),
		Processes: processctl.NewFake(),
		Store:     watcherStore,
		Clock:     clock.New(),
		Log:       zap.NewNop(),
		Ledger:    ledger.NewFake(),
	})
	require.NoError(t, err)
	t.Cleanup(watchers.Close)

	fleetStore, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	coord, err := fleet.New(fleet.Deps{
		SelfID: "node-a",
		Local:  switches,
		Mesh:   mesh.NewFake(),
		Store:  fleetStore,
		Clock:  clock.New(),
		Log:    zap.NewNop(),
		Ledger: ledger.NewFake(),
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	return New("/unused.sock", switches, watchers, coord, zap.NewNop())
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSwitchBeginAndStatusRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/switch/begin", switchBeginRequest{
		Plan:        "roll out v2",
		NewConfigID: "config-v2",
		TTLSecs:     60,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Entity-Version"))

	var sess model.SwitchSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)

	rec = doRequest(t, s, http.MethodGet, "/switch/status/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSwitchBeginRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/switch/begin", bytes.NewReader([]byte(`{"unknown_field": 1}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	require.Equal(t, "InvalidArgument", eb.Kind)
}

func TestSwitchStatusUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/switch/status/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	require.Equal(t, "NotFound", eb.Kind)
}

func TestSwitchCommitOnUnknownSessionReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/switch/commit/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatcherAddListDeleteLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/watcher/add", watcherAddRequest{
		Name:         "app",
		Check:        model.HealthCheckSpec{Kind: model.CheckServiceUnit, UnitName: "app.service"},
		IntervalSecs: 30,
		Actions:      []model.RemediationAction{{Kind: model.ActionNotify, Severity: "warning", Message: "down"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var wt model.Watcher
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wt))
	require.NotEmpty(t, wt.ID)

	rec = doRequest(t, s, http.MethodGet, "/watcher/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.Watcher
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, s, http.MethodPost, "/watcher/"+wt.ID+"/quiesce", watcherQuiesceRequest{Quiesced: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/watcher/"+wt.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/watcher/list", nil)
	var emptyList []model.Watcher
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &emptyList))
	require.Empty(t, emptyList)
}

func TestFleetProposeRejectsInvalidArgument(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/fleet/propose", fleetProposeRequest{
		PeerIDs:     nil,
		QuorumPct:   50,
		NewConfigID: "config-v2",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	require.Equal(t, "InvalidArgument", eb.Kind)
}

func TestFleetStatusUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/fleet/status/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
