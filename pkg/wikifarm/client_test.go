package wikifarm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWiki(t *testing.T) {
	t.Parallel()

	var (
		gotPath   string
		gotCookie string
		gotBody   CreateRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCookie = r.Header.Get("Cookie")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"task_id":"task-42"}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	taskID, err := c.CreateWiki(t.Context(), CreateRequest{Slug: "dragons", Language: "en", Name: "Dragons"}, "session=abc")
	require.NoError(t, err)

	assert.Equal(t, "task-42", taskID)
	assert.Equal(t, "/provisioner/v1/wikis", gotPath)
	assert.Equal(t, "session=abc", gotCookie)
	assert.Equal(t, CreateRequest{Slug: "dragons", Language: "en", Name: "Dragons"}, gotBody)
}

func TestCreateWiki_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"slug already taken"}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.CreateWiki(t.Context(), CreateRequest{Slug: "dragons", Name: "Dragons"}, "")
	require.ErrorIs(t, err, ErrMissingField)

	_, err = c.CreateWiki(t.Context(), CreateRequest{Slug: "dragons", Language: "en", Name: "Dragons"}, "")
	require.EqualError(t, err, "wikifarm error (409): slug already taken")
}

func TestCreateWiki_MissingTaskID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.CreateWiki(t.Context(), CreateRequest{Slug: "s", Language: "en", Name: "n"}, "")
	require.Error(t, err)
}

func TestTaskEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/task-42/events" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"status\":\"done\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	body, err := c.TaskEvents(t.Context(), "task-42")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"status\":\"done\"}\n\n", string(data))

	_, err = c.TaskEvents(t.Context(), "missing")
	require.EqualError(t, err, "task events returned HTTP 404")
}

func TestNewClient_InvalidEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewClient("pub.wiki")
	require.Error(t, err)
}
