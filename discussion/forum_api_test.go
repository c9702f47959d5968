package discussion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestForumServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/forums" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer test-jwt":
			json.NewEncoder(w).Encode(&GetForumsResult{
				Forums: []*Forum{
					{Id: "f1", Title: "General"},
					{Id: "f2", Title: "Help", Description: "Ask anything."},
				},
			})
		case "Bearer suspended-jwt":
			json.NewEncoder(w).Encode(&GetForumsResult{
				Error: &GetForumsError{Message: "Account suspended."},
			})
		case "Bearer down-jwt":
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(&GetForumsResult{
				Error: &GetForumsError{Message: "Forums unavailable."},
			})
		default:
			http.Error(w, "Not authorized.", http.StatusUnauthorized)
		}
	}))
}

func TestGetForums(t *testing.T) {
	server := newTestForumServer()
	defer server.Close()

	api := NewDiscussionApiWithDefaults(context.Background(), server.URL+"/")
	defer api.Close()
	api.SetJwt("test-jwt")

	result, err := api.GetForumsSync()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Forums), 2)
	assert.Equal(t, *result.Forums[0], Forum{Id: "f1", Title: "General"})
	assert.Equal(t, result.Forums[1].Description, "Ask anything.")
	assert.Equal(t, result.Error == nil, true)

	type getForumsResult struct {
		result *GetForumsResult
		err    error
	}
	results := make(chan getForumsResult, 1)
	api.GetForums(func(result *GetForumsResult, err error) {
		results <- getForumsResult{result: result, err: err}
	})
	select {
	case r := <-results:
		assert.Equal(t, r.err, nil)
		assert.Equal(t, len(r.result.Forums), 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestGetForumsError(t *testing.T) {
	server := newTestForumServer()
	defer server.Close()

	api := NewDiscussionApiWithDefaults(context.Background(), server.URL)
	defer api.Close()

	// no jwt, plain message body
	result, err := api.GetForumsSync()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "Not authorized.")
	assert.Equal(t, result == nil, true)

	// forums error body
	api.SetJwt("down-jwt")
	result, err = api.GetForumsSync()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "Forums unavailable.")
	assert.Equal(t, result == nil, true)

	// a forums error in a successful response is in the result
	api.SetJwt("suspended-jwt")
	result, err = api.GetForumsSync()
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Error.Message, "Account suspended.")
	assert.Equal(t, len(result.Forums), 0)
}
