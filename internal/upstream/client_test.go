package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vigil-net/vigil/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "cp-token", nil)
}

func TestFetchUsersPaginates(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		start := r.URL.Query().Get("start")

		users := make([]string, 0, 100)
		switch start {
		case "0":
			for i := 0; i < 100; i++ {
				users = append(users, fmt.Sprintf(`{"uuid":"u-%d"}`, i))
			}
		case "100":
			users = append(users, `{"uuid":"u-100"}`)
		default:
			t.Errorf("unexpected start %q", start)
		}
		fmt.Fprintf(w, `{"response":{"users":[%s],"total":101}}`, joinJSON(users))
	})

	users, err := c.FetchUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 101)
	require.Equal(t, "Bearer cp-token", gotAuth)
	require.Equal(t, "u-100", ExtractUUID(users[100]))
}

func joinJSON(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func TestFetchNodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"response":[{"uuid":"n-1","name":"edge-1","address":"10.0.0.1","port":443}]}`)
	})
	nodes, err := c.FetchNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	n, err := DecodeNode(nodes[0])
	require.NoError(t, err)
	require.Equal(t, "n-1", n.UUID)
	require.Equal(t, "edge-1", n.Name)
	require.Equal(t, 443, n.Port)
	require.NotEmpty(t, n.RawData)
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusForbidden, CodeUnauthorized},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusTooManyRequests, CodeRateLimited},
		{http.StatusUnprocessableEntity, CodeValidation},
		{http.StatusInternalServerError, CodeServer},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := c.FetchNodes(context.Background())
		require.Error(t, err, tc.status)
		require.Equal(t, tc.code, CodeOf(err), "status %d", tc.status)
	}
}

func TestNetworkErrorCode(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok", nil)
	_, err := c.FetchNodes(context.Background())
	require.Error(t, err)
	require.Equal(t, CodeNetwork, CodeOf(err))
}

func TestDecodeUser(t *testing.T) {
	raw := json.RawMessage(`{
		"uuid":"u-1","shortUuid":"4b2f","username":"alice","email":"alice@example.com",
		"status":"ACTIVE","hwidDeviceLimit":2,"telegramId":42,
		"trafficLimitBytes":1000,"usedTrafficBytes":10,
		"extraField":"preserved"
	}`)
	u, err := DecodeUser(raw)
	require.NoError(t, err)
	require.Equal(t, "u-1", u.UUID)
	require.Equal(t, "4b2f", u.ShortUUID)
	require.Equal(t, model.UserStatusActive, u.Status)
	require.Equal(t, 2, u.HWIDDeviceLimit)
	require.Contains(t, string(u.RawData), "extraField")
}
