package flagsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/flagsync/domain/entity"
	apperror "github.com/fixora/flagsync/pkg/error"
)

func writeEnvelope(w http.ResponseWriter, status int, ok bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": ok, "message": message, "data": data})
}

func newTestService(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/orgs/org-a/flags", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, true, "ok", map[string]interface{}{
			"organization_id": "org-a",
			"flags":           []entity.FeatureFlag{flag("beta-ui", true, 4), flag("dark_mode_ui", false, 0)},
		})
	})
	mux.HandleFunc("/v1/orgs/org-a/flags/beta-ui/toggle", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ExpectedVersion *int64 `json:"expected_version"`
			IsEnabled       *bool  `json:"is_enabled"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.ExpectedVersion != nil && *body.ExpectedVersion != 4 {
			current := flag("beta-ui", true, 4)
			writeEnvelope(w, http.StatusConflict, false, "Feature flag version is stale", map[string]interface{}{
				"code": "FLAG_1002", "reason": "stale-version", "current": current,
			})
			return
		}
		writeEnvelope(w, http.StatusOK, true, "ok", entity.ChangeEvent{OrganizationID: "org-a", Key: "beta-ui", IsEnabled: false, Version: 5})
	})
	mux.HandleFunc("/v1/orgs/org-a/flags/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: connected\ndata: {\"type\":\"connected\",\"data\":{\"connected\":true},\"time\":1}\n\n")
		fmt.Fprint(w, ":heartbeat\n\n")
		fmt.Fprint(w, "event: flag.changed\ndata: {\"type\":\"flag.changed\",\"data\":{\"organization_id\":\"org-a\",\"key\":\"beta-ui\",\"is_enabled\":false,\"version\":5},\"time\":2}\n\n")
		fmt.Fprint(w, "event: resync\ndata: {\"type\":\"resync\",\"time\":3}\n\n")
	})
	mux.HandleFunc("/v1/orgs/org-b/flags/stream", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusForbidden, false, "Not allowed for this organization", map[string]interface{}{
			"code": "AUTHZ_2001",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPTransport_List(t *testing.T) {
	srv := newTestService(t)
	tr := NewHTTPTransport(srv.URL+"/", "token-1", srv.Client())

	flags, err := tr.List(context.Background(), "org-a")
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, int64(4), flags[0].Version)
}

func TestHTTPTransport_Toggle(t *testing.T) {
	srv := newTestService(t)
	tr := NewHTTPTransport(srv.URL, "token-1", srv.Client())

	expected := int64(4)
	ev, err := tr.Toggle(context.Background(), entity.ToggleIntent{OrganizationID: "org-a", Key: "beta-ui", ExpectedVersion: &expected})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ev.Version)

	stale := int64(2)
	_, err = tr.Toggle(context.Background(), entity.ToggleIntent{OrganizationID: "org-a", Key: "beta-ui", ExpectedVersion: &stale})
	rej, ok := apperror.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, rej.Status)
	assert.Equal(t, "stale-version", rej.Reason)
	require.NotNil(t, rej.Current)
	assert.Equal(t, int64(4), rej.Current.Version)
}

func TestHTTPTransport_Subscribe(t *testing.T) {
	srv := newTestService(t)
	tr := NewHTTPTransport(srv.URL, "token-1", srv.Client())

	connected := 0
	var events []entity.ChangeEvent
	err := tr.Subscribe(context.Background(), "org-a", StreamHandler{
		OnConnected: func(ctx context.Context) error {
			connected++
			return nil
		},
		OnEvent: func(ev entity.ChangeEvent) { events = append(events, ev) },
	})

	assert.ErrorIs(t, err, ErrResyncRequested)
	assert.Equal(t, 1, connected)
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), events[0].Version)

	err = tr.Subscribe(context.Background(), "org-b", StreamHandler{})
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusForbidden, appErr.Status)
}

func TestReadEvents(t *testing.T) {
	t.Run("end of body closes the stream", func(t *testing.T) {
		err := readEvents(context.Background(), strings.NewReader(":heartbeat\n\n"), StreamHandler{})
		assert.ErrorIs(t, err, ErrStreamClosed)
	})

	t.Run("connect handler aborts the stream", func(t *testing.T) {
		boom := fmt.Errorf("list failed")
		body := "event: connected\ndata: {\"type\":\"connected\"}\n\n"
		err := readEvents(context.Background(), strings.NewReader(body), StreamHandler{
			OnConnected: func(ctx context.Context) error { return boom },
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("event type falls back to the payload", func(t *testing.T) {
		body := "data: {\"type\":\"flag.changed\",\n" +
			"data: \"data\":{\"key\":\"beta-ui\",\"version\":3}}\n\n"
		var got []entity.ChangeEvent
		err := readEvents(context.Background(), strings.NewReader(body), StreamHandler{
			OnEvent: func(ev entity.ChangeEvent) { got = append(got, ev) },
		})
		assert.ErrorIs(t, err, ErrStreamClosed)
		require.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].Version)
	})

	t.Run("malformed payload", func(t *testing.T) {
		err := readEvents(context.Background(), strings.NewReader("event: flag.changed\ndata: {nope\n\n"), StreamHandler{})
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrStreamClosed)
	})
}
