package skill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubSource struct {
	name      string
	matches   []Match
	skills    map[string][]string
	searchErr error
	panicMsg  string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(ctx context.Context, keyword string) ([]Match, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.matches, s.searchErr
}

func (s *stubSource) FetchSkillNames(ctx context.Context, matchID string) ([]string, error) {
	names, ok := s.skills[matchID]
	if !ok {
		return nil, errors.New("unknown match")
	}
	return names, nil
}

func fixedSource(name string, skills ...string) *stubSource {
	return &stubSource{
		name:    name,
		matches: []Match{{ID: name + "-1", Title: name}},
		skills:  map[string][]string{name + "-1": skills},
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	failures []string
}

func (r *countingRecorder) RecordSourceFailure(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, source)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregator_DeduplicatesPreservingOrder(t *testing.T) {
	agg := NewAggregator([]Source{
		fixedSource("esco", "Node.js", "SQL"),
		fixedSource("catalog", "Node.js"),
		fixedSource("llm", "Git"),
	}, WithAggregatorLogger(quietLogger()))

	got := agg.Aggregate(context.Background(), "Backend Developer")

	assert.Equal(t, []string{"Node.js", "SQL", "Git"}, got)
}

func TestAggregator_IsIdempotent(t *testing.T) {
	sources := []Source{
		fixedSource("a", "Docker", "Kubernetes", "docker"),
		fixedSource("b", "Kubernetes", "Terraform"),
		fixedSource("c", "Docker"),
	}
	agg := NewAggregator(sources, WithAggregatorLogger(quietLogger()))

	first := agg.Aggregate(context.Background(), "DevOps Engineer")
	second := agg.Aggregate(context.Background(), "DevOps Engineer")

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"Docker", "Kubernetes", "docker", "Terraform"}, first)
}

func TestAggregator_ToleratesFailingSources(t *testing.T) {
	recorder := &countingRecorder{}
	agg := NewAggregator([]Source{
		&stubSource{name: "broken", searchErr: errors.New("503 Service Unavailable")},
		&stubSource{name: "panicky", panicMsg: "nil map"},
		&stubSource{name: "empty"},
		fixedSource("ok", "Figma"),
	}, WithAggregatorLogger(quietLogger()), WithFailureRecorder(recorder))

	got := agg.Aggregate(context.Background(), "UX Designer")

	assert.Equal(t, []string{"Figma"}, got)
	assert.ElementsMatch(t, []string{"broken", "panicky", "empty"}, recorder.failures)
}

func TestAggregator_FallsBackToJobTitle(t *testing.T) {
	agg := NewAggregator([]Source{
		&stubSource{name: "broken", searchErr: errors.New("timeout")},
		fixedSource("blank", " ", ""),
	}, WithAggregatorLogger(quietLogger()))

	got := agg.Aggregate(context.Background(), "Data Analyst")

	assert.Equal(t, []string{"Data Analyst"}, got)
}

func TestAggregator_LimitsMatchesPerSource(t *testing.T) {
	src := &stubSource{
		name:    "esco",
		matches: []Match{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		skills: map[string][]string{
			"1": {"Python"},
			"2": {"Pandas"},
			"3": {"Spark"},
		},
	}
	agg := NewAggregator([]Source{src}, WithMaxMatchesPerSource(2), WithAggregatorLogger(quietLogger()))

	assert.Equal(t, []string{"Python", "Pandas"}, agg.Aggregate(context.Background(), "Data Engineer"))
}

func TestAggregator_SkipsFailedFetchWithinSource(t *testing.T) {
	src := &stubSource{
		name:    "esco",
		matches: []Match{{ID: "missing"}, {ID: "1"}},
		skills:  map[string][]string{"1": {"Excel"}},
	}
	agg := NewAggregator([]Source{src}, WithAggregatorLogger(quietLogger()))

	assert.Equal(t, []string{"Excel"}, agg.Aggregate(context.Background(), "Accountant"))
}

func TestMerge(t *testing.T) {
	assert.Equal(t, []string{"Node.js", "SQL", "Git"}, Merge("x", []string{"Node.js", "SQL", "Node.js", "Git"}))
	assert.Equal(t, []string{"x"}, Merge("x"))
}
