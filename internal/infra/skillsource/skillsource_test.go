package skillsource_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/jinford/skill-graph/internal/core/skill"
	"github.com/jinford/skill-graph/internal/core/structured"
	"github.com/jinford/skill-graph/internal/infra/skillsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSource(t *testing.T) {
	var searchCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /occupations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "Backend Developer", r.URL.Query().Get("keyword"))
		// 最初の1回はレート制限
		if searchCalls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"occupations":[{"id":"15-1252","title":"Software Developers"},{"id":"","title":"ignored"}]}`))
	})
	mux.HandleFunc("GET /occupations/{id}/skills", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "15-1252" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"skills":[{"name":"Node.js"},{"name":"SQL"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := skillsource.NewHTTPSource("onet", srv.URL+"/", skillsource.WithAPIKey("secret"))
	ctx := context.Background()

	matches, err := src.Search(ctx, "Backend Developer")
	require.NoError(t, err)
	assert.Equal(t, []skill.Match{{ID: "15-1252", Title: "Software Developers"}}, matches)
	assert.Equal(t, int32(2), searchCalls.Load())

	names, err := src.FetchSkillNames(ctx, "15-1252")
	require.NoError(t, err)
	assert.Equal(t, []string{"Node.js", "SQL"}, names)

	_, err = src.FetchSkillNames(ctx, "missing")
	var herr *skillsource.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
}

func TestHTTPSource_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := skillsource.NewHTTPSource("flaky", srv.URL, skillsource.WithAttempts(2))
	_, err := src.Search(context.Background(), "Designer")

	var herr *skillsource.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusServiceUnavailable, herr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

const catalogYAML = `
occupations:
  - id: backend-developer
    title: Backend Developer
    aliases: [Server-side Engineer]
    skills: [Node.js, SQL, Git]
  - id: data-engineer
    title: Data Engineer
    skills: [SQL, Airflow]
`

func TestCatalogSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	src, err := skillsource.LoadCatalog("catalog", path)
	require.NoError(t, err)
	ctx := context.Background()

	matches, err := src.Search(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, []skill.Match{{ID: "backend-developer", Title: "Backend Developer"}}, matches)

	matches, err = src.Search(ctx, "SERVER-SIDE")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = src.Search(ctx, "Astronaut")
	require.NoError(t, err)
	assert.Empty(t, matches)

	names, err := src.FetchSkillNames(ctx, "data-engineer")
	require.NoError(t, err)
	assert.Equal(t, []string{"SQL", "Airflow"}, names)

	_, err = src.FetchSkillNames(ctx, "nope")
	assert.Error(t, err)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: "  \n"},
		{name: "missing id", data: "occupations:\n  - title: X\n"},
		{name: "duplicate id", data: "occupations:\n  - id: a\n  - id: a\n"},
		{name: "malformed", data: "occupations: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := skillsource.ParseCatalog("catalog", []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

type fakeGenerator struct {
	response string
	err      error
	last     structured.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req structured.Request) (json.RawMessage, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return req.Schema.Validate(f.response)
}

func TestGeneratedSource(t *testing.T) {
	gen := &fakeGenerator{response: `{"skills":["Go","PostgreSQL","Docker"]}`}
	src := skillsource.NewGeneratedSource("suggested", gen, 2)
	ctx := context.Background()

	matches, err := src.Search(ctx, " Platform Engineer ")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	names, err := src.FetchSkillNames(ctx, matches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Go", "PostgreSQL"}, names)
	assert.Contains(t, gen.last.Instruction, `"Platform Engineer"`)
	assert.Equal(t, "suggested", gen.last.Name)

	empty, err := src.Search(ctx, "   ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	gen.err = errors.New("provider down")
	_, err = src.FetchSkillNames(ctx, "X")
	assert.Error(t, err)
}

func TestSourcesFeedAggregator(t *testing.T) {
	catalog, err := skillsource.ParseCatalog("catalog", []byte(catalogYAML))
	require.NoError(t, err)
	gen := &fakeGenerator{response: `{"skills":["Node.js","Docker"]}`}

	agg := skill.NewAggregator([]skill.Source{
		catalog,
		skillsource.NewGeneratedSource("suggested", gen, 0),
	})
	got := agg.Aggregate(context.Background(), "Backend Developer")

	assert.Equal(t, []string{"Node.js", "SQL", "Git", "Docker"}, got)
}
