package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient("", Credentials{Email: "a@b.c"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err := NewClient("", Credentials{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, c.baseURL)
}

func TestClient_ListIssuedWithAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/notas_fiscais_emitidas", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Empty(t, r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "100", q.Get("per_page"))
		assert.Equal(t, "01/03/2024", q.Get("data_inicio"))
		assert.Equal(t, "04/03/2024", q.Get("data_fim"))

		_, _ = w.Write([]byte(`{"data":[{"chave_acesso":"K1","numero":12},{"chave_acesso":"K2","numero":"13"}],"pagination":{"total_pages":3}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", Credentials{APIKey: "secret"}, srv.Client())
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := c.ListIssued(context.Background(), from, from.Add(72*time.Hour), 2)
	require.NoError(t, err)

	require.Len(t, page.Invoices, 2)
	assert.Equal(t, "K1", page.Invoices[0].DocumentKey)
	assert.Equal(t, 3, page.Pagination.TotalPages)
}

func TestClient_FetchXMLShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("chave_acesso") {
		case "string":
			_ = json.NewEncoder(w).Encode("<NFe/>")
		case "object":
			_ = json.NewEncoder(w).Encode(map[string]string{"xml": "<NFe/>"})
		case "missing":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			_, _ = w.Write([]byte(`{"other":1}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Credentials{APIKey: "k"}, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	data, err := c.FetchXML(ctx, "string")
	require.NoError(t, err)
	assert.Equal(t, "<NFe/>", string(data))

	data, err = c.FetchXML(ctx, "object")
	require.NoError(t, err)
	assert.Equal(t, "<NFe/>", string(data))

	_, err = c.FetchXML(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.FetchXML(ctx, "weird")
	assert.Error(t, err)
}

func TestClient_BearerLoginIsCachedAndRefreshedOn401(t *testing.T) {
	var logins, calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/authentication":
			n := logins.Add(1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "app", body["application_uid"])
			token := "t1"
			if n > 1 {
				token = "t2"
			}
			_, _ = w.Write([]byte(`{"99000000000100":{"access_token":"` + token + `"},"meta":"x"}`))
		case "/api/v2/nfes_emitidas":
			n := calls.Add(1)
			// The third call pretends the token was revoked.
			if n == 3 && r.Header.Get("Authorization") == "Bearer t1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode("<NFe/>")
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Credentials{ApplicationUID: "app", Email: "e@x", Password: "p"}, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.FetchXML(ctx, "K")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), logins.Load(), "token is reused")

	_, err = c.FetchXML(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load(), "401 triggers one new login")
	assert.Equal(t, "t2", c.token)
}

func TestClient_BearerExpiry(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/authentication" {
			logins.Add(1)
			_, _ = w.Write([]byte(`{"1":{"access_token":"t"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode("<NFe/>")
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Credentials{ApplicationUID: "a", Email: "e", Password: "p"}, srv.Client())
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err = c.FetchXML(context.Background(), "K")
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	_, err = c.FetchXML(context.Background(), "K")
	require.NoError(t, err)

	assert.Equal(t, int32(2), logins.Load())
}

func TestClient_LoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/authentication" {
			_, _ = w.Write([]byte(`{"message":"ok but no token"}`))
			return
		}
		t.Errorf("unexpected call to %s", r.URL.Path)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, Credentials{ApplicationUID: "a", Email: "e", Password: "p"}, srv.Client())
	require.NoError(t, err)

	err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrAuthentication)
}
