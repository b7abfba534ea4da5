package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmatch-go/internal/types"
)

func TestSerpAPISearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "google_jobs", q.Get("engine"))
		assert.Equal(t, "Go Engineer", q.Get("q"))
		assert.Equal(t, "Berlin", q.Get("location"))
		assert.Equal(t, "20", q.Get("num"))

		resp := map[string]interface{}{
			"jobs_results": []map[string]interface{}{
				{
					"job_id":       "abc123",
					"title":        "Go Engineer",
					"company_name": "Acme",
					"location":     "Berlin, Germany",
					"via":          "via LinkedIn",
					"description":  "Build Go services",
					"job_highlights": []map[string]interface{}{
						{"title": "Qualifications", "items": []string{"3+ years Go"}},
						{"title": "Responsibilities", "items": []string{"Ship features"}},
					},
					"apply_options": []map[string]interface{}{
						{"title": "LinkedIn", "link": "https://example.com/apply"},
					},
				},
				{
					// 无描述的结果在客户端即被丢弃
					"job_id": "skip",
					"title":  "Broken",
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewSerpAPIClient("test-key", server.URL, WithSerpAPIHTTPClient(server.Client()))
	require.NoError(t, err)

	postings, err := client.Search(context.Background(), "Go Engineer", "Berlin", 20)
	require.NoError(t, err)
	require.Len(t, postings, 1)

	job := postings[0]
	assert.Equal(t, "ext_abc123", job.JobID)
	assert.Equal(t, types.SourceExternal, job.Source)
	assert.Equal(t, "Acme", job.Company)
	assert.Equal(t, "via LinkedIn", job.Via)
	assert.Equal(t, []string{"3+ years Go"}, job.Qualifications)
	assert.Equal(t, []string{"Ship features"}, job.Responsibilities)
	assert.Equal(t, "https://example.com/apply", job.ApplyLink)
}

func TestSerpAPISearchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewSerpAPIClient("test-key", server.URL, WithSerpAPIHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = client.Search(context.Background(), "q", "", 20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSerpAPISearchAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid API key"})
	}))
	defer server.Close()

	client, err := NewSerpAPIClient("bad-key", server.URL, WithSerpAPIHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = client.Search(context.Background(), "q", "", 20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestNewSerpAPIClientRequiresKey(t *testing.T) {
	_, err := NewSerpAPIClient("", "")
	require.Error(t, err)
}

func TestSerpAPITimeoutOption(t *testing.T) {
	client, err := NewSerpAPIClient("test-key", "", WithSerpAPITimeout(15*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, client.httpClient.Timeout)

	// 非法值不覆盖默认超时
	client, err = NewSerpAPIClient("test-key", "", WithSerpAPITimeout(0))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}
