package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fragstream/internal/config"
	"fragstream/internal/logger"
	"fragstream/internal/models"
	"fragstream/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(typ string, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(8+len(payload)))
	copy(b[4:8], typ)
	copy(b[8:], payload)
	return b
}

func mediaFragment() []byte {
	return append(box("moof", make([]byte, 8)), box("mdat", make([]byte, 16))...)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	mgr := session.NewManager(logger.NewNop(), cfg)
	t.Cleanup(mgr.Stop)
	srv := httptest.NewServer(New(logger.NewNop(), cfg, mgr))
	t.Cleanup(srv.Close)
	return srv
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["id"])
	return body["id"]
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	// Upload one media fragment.
	resp, err := http.Post(srv.URL+"/sessions/"+id+"/fragments?label=clip+one", "video/mp4", bytes.NewReader(mediaFragment()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var frag models.Fragment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frag))
	assert.Equal(t, "clip one", frag.Label)
	assert.Equal(t, "media", frag.Class)

	// List it back.
	resp, err = http.Get(srv.URL + "/sessions/" + id + "/fragments")
	require.NoError(t, err)
	defer resp.Body.Close()
	var frags []models.Fragment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frags))
	require.Len(t, frags, 1)
	assert.Equal(t, frag.ID, frags[0].ID)

	// Label query with no playback yet returns the empty label.
	resp, err = http.Get(srv.URL + "/sessions/" + id + "/label?t=1.5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var label map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&label))
	assert.Equal(t, "", label["label"])

	// Delete and confirm it is gone.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownSession(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/sessions/nope/fragments")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetOrderAndAutoOrder(t *testing.T) {
	srv := newTestServer(t)
	id := createSession(t, srv)

	var ids []string
	for _, label := range []string{"a", "b"} {
		resp, err := http.Post(srv.URL+"/sessions/"+id+"/fragments?label="+label, "video/mp4", bytes.NewReader(mediaFragment()))
		require.NoError(t, err)
		var frag models.Fragment
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&frag))
		resp.Body.Close()
		ids = append(ids, frag.ID)
	}

	// Reverse the order manually.
	payload, _ := json.Marshal(map[string][]string{"order": {ids[1], ids[0]}})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/sessions/"+id+"/order", bytes.NewReader(payload))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A bad order is rejected.
	payload, _ = json.Marshal(map[string][]string{"order": {ids[0], "bogus"}})
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/sessions/"+id+"/order", bytes.NewReader(payload))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Toggle auto-order; these fragments carry no hints, so the stable
	// sort keeps the manual order.
	resp, err = http.Post(srv.URL+"/sessions/"+id+"/autoorder", "application/json", bytes.NewReader([]byte(`{"enabled":true}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Enabled   bool              `json:"enabled"`
		Fragments []models.Fragment `json:"fragments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Enabled)
	require.Len(t, body.Fragments, 2)
	assert.Equal(t, ids[1], body.Fragments[0].ID)
}
