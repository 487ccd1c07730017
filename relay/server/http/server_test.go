package http_test

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumiclass/classbus/relay/server/http"
)

var discard = zerolog.New(io.Discard)

type fakeChannelService struct {
	channels map[string]int
	members  map[string][]string
}

func (f *fakeChannelService) Channels() map[string]int { return f.channels }

func (f *fakeChannelService) Members(channelID string) []string { return f.members[channelID] }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := http.NewServer(http.Config{
		Logger: &discard,
		ChannelService: &fakeChannelService{
			channels: map[string]int{"r1:commands": 2},
			members:  map[string][]string{"r1:commands": {"a", "b"}},
		},
	})
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*nethttp.Response, http.GenericResponse) {
	t.Helper()
	resp, err := nethttp.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var body http.GenericResponse
	if resp.StatusCode == nethttp.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestListChannels(t *testing.T) {
	ts := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/channels")
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	b, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var channels []http.ChannelInfo
	require.NoError(t, json.Unmarshal(b, &channels))
	assert.Equal(t, []http.ChannelInfo{{ID: "r1:commands", Members: 2}}, channels)
}

func TestListMembers(t *testing.T) {
	ts := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/channels/r1:commands/members")
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"a", "b"}, body.Data)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := get(t, ts.URL+"/healthz")
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
}
