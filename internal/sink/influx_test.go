package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
)

func testClient(url string) *Client {
	return NewClient(&config.InfluxConfig{
		URL:              url,
		Token:            "test-token",
		Org:              "home",
		BucketRecent:     "ha-recent",
		BucketHistorical: "ha-historical",
		Timeout:          5 * time.Second,
	})
}

func TestBucketFor(t *testing.T) {
	c := testClient("http://localhost:8086")
	assert.Equal(t, "ha-recent", c.BucketFor(domain.TierShortTerm))
	assert.Equal(t, "ha-historical", c.BucketFor(domain.TierLongTerm))
}

func TestWritePoints(t *testing.T) {
	var gotBody string
	var gotQuery map[string]string
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/write", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{
			"org":       r.URL.Query().Get("org"),
			"bucket":    r.URL.Query().Get("bucket"),
			"precision": r.URL.Query().Get("precision"),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	points := []Point{
		{Measurement: "W", Tags: map[string]string{"entity_id": "heater"}, Value: 42, Timestamp: 1700000000},
	}
	err := c.WritePoints(context.Background(), "ha-recent", points)
	require.NoError(t, err)

	assert.Equal(t, "W,entity_id=heater value=42 1700000000", gotBody)
	assert.Equal(t, "Token test-token", gotAuth)
	assert.Equal(t, "home", gotQuery["org"])
	assert.Equal(t, "ha-recent", gotQuery["bucket"])
	assert.Equal(t, "s", gotQuery["precision"])
}

func TestWritePointsEmptyBatchSkipsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an empty batch")
	}))
	defer srv.Close()

	err := testClient(srv.URL).WritePoints(context.Background(), "ha-recent", nil)
	assert.NoError(t, err)
}

func TestWritePointsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := testClient(srv.URL).WritePoints(context.Background(), "ha-recent", []Point{{Measurement: "W", Value: 1, Timestamp: 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestWritePointsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(srv.URL).WritePoints(context.Background(), "ha-recent", []Point{{Measurement: "W", Value: 1, Timestamp: 2}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, testClient(srv.URL).Health(context.Background()))
}

func TestBucketExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/buckets", r.URL.Path)
		if r.URL.Query().Get("name") == "ha-recent" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"buckets":[{"name":"ha-recent"}]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"buckets":[]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	assert.NoError(t, c.BucketExists(context.Background(), "ha-recent"))
	assert.Error(t, c.BucketExists(context.Background(), "missing"))
}
