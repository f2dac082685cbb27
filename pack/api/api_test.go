package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/pack-go/pack/devserver"
	"github.com/swdunlop/pack-go/pack/hook"
)

func tag(value string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add(`X-Tag`, value)
			next.ServeHTTP(w, r)
		})
	}
}

func mux(t *testing.T, options ...Option) *http.ServeMux {
	var cfg config
	for _, option := range options {
		require.NoError(t, option(&cfg))
	}
	var mux http.ServeMux
	var h hook.Mux = &cfg
	h.PackMux(&mux)
	return &mux
}

func get(t *testing.T, h http.Handler, path string) *http.Response {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Result()
}

func TestMiddlewareIsScopedToGroups(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `ok`) }
	m := mux(t,
		Use(tag(`outer`)),
		Group(
			Use(tag(`inner`)),
			HandleFunc(`GET /inner`, ok),
		),
		HandleFunc(`GET /outer`, ok),
	)
	assert.Equal(t, []string{`outer`, `inner`}, get(t, m, `/inner`).Header.Values(`X-Tag`))
	assert.Equal(t, []string{`outer`}, get(t, m, `/outer`).Header.Values(`X-Tag`))
}

func TestFS(t *testing.T) {
	m := mux(t, FS(fstest.MapFS{`api/users.json`: {Data: []byte(`[]`)}}, `GET /api/`))
	resp := get(t, m, `/api/users.json`)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `[]`, string(body))
}

func TestDevHooksConfig(t *testing.T) {
	_, err := devserver.New(Dev(HandleFunc(`GET /x`, func(http.ResponseWriter, *http.Request) {})))
	require.NoError(t, err)
}
