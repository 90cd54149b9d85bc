package generation_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/core/structured"
	"github.com/jinford/skill-graph/internal/infra/memory"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator はステップ名ごとに決まった出力を返し、実際のスキーマで検証する
type scriptedGenerator struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, req structured.Request) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Name)
	g.mu.Unlock()

	if err, ok := g.errs[req.Name]; ok {
		return nil, fmt.Errorf("%w: %v", structured.ErrProvider, err)
	}
	raw, ok := g.responses[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no scripted response for %s", structured.ErrProvider, req.Name)
	}
	return req.Schema.Validate(raw)
}

type stubDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

// txCountingStore は WithinTx が呼ばれた回数を数える
type txCountingStore struct {
	*memory.Store
	txCalls atomic.Int32
}

func (s *txCountingStore) WithinTx(ctx context.Context, fn func(tx generation.CatalogTx) error) error {
	s.txCalls.Add(1)
	return s.Store.WithinTx(ctx, fn)
}

type stubAggregator struct {
	skills []string
}

func (a stubAggregator) Aggregate(ctx context.Context, jobTitle string) []string {
	if len(a.skills) == 0 {
		return []string{jobTitle}
	}
	return a.skills
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []uuid.UUID
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, job *generation.GenerationJob, result generation.PublishResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, result.PublishedID)
	return a.err
}

const (
	normalizeOK = `{"skills":[
		{"label":"Git","description":"Version control","category":"Tool"},
		{"label":"Node.js","description":"Server-side JavaScript","category":"Technical"},
		{"label":"Communication","description":"Working with stakeholders","category":"Soft"}
	]}`

	clusterOK = `{"courses":[
		{"title":"Git Fundamentals","titleTh":"พื้นฐาน Git","description":"Branching and merging","category":"Tool","shareable":false,
		 "lessons":[{"title":"Commits","titleTh":"คอมมิต","description":"Recording changes","skills":["Git"]}]},
		{"title":"Node.js APIs","titleTh":"API ด้วย Node.js","description":"Building HTTP services","category":"Technical","shareable":false,
		 "lessons":[
		   {"title":"Express","titleTh":"Express","description":"Routing","skills":["Node.js"]},
		   {"title":"Persistence","titleTh":"การจัดเก็บข้อมูล","description":"Talking to a database","skills":["Node.js"]}
		 ]},
		{"title":" Node.js APIs ","titleTh":"ซ้ำ","description":"Duplicate","category":"Technical","shareable":false,
		 "lessons":[{"title":"Dup","titleTh":"ซ้ำ","description":"Dup","skills":[]}]},
		{"title":"Team Communication","titleTh":"การสื่อสารในทีม","description":"Async writing","category":"Soft","shareable":false,
		 "lessons":[{"title":"Writing","titleTh":"การเขียน","description":"Design docs","skills":["Communication"]}]}
	]}`

	gradeOK = `{"courses":[
		{"title":"Git Fundamentals","sfiaLevel":2,"estimatedHours":6},
		{"title":"Node.js APIs","sfiaLevel":4,"estimatedHours":24.5}
	]}`

	dependenciesOK = `{"dependencies":[
		{"prerequisite":"Git Fundamentals","dependent":"Node.js APIs"},
		{"prerequisite":"Node.js APIs","dependent":"Git Fundamentals"},
		{"prerequisite":"Unknown Course","dependent":"Git Fundamentals"}
	]}`
)

func happyGenerator() *scriptedGenerator {
	return &scriptedGenerator{responses: map[string]string{
		string(generation.StepNormalize):       normalizeOK,
		string(generation.StepCluster):         clusterOK,
		string(generation.StepGrade):           gradeOK,
		string(generation.StepMapDependencies): dependenciesOK,
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc        *generation.Service
	store      *memory.Store
	repo       *txCountingStore
	dispatcher *stubDispatcher
	archiver   *recordingArchiver
}

func newFixture(t *testing.T, gen structured.Generator) *fixture {
	t.Helper()

	registry, err := structured.NewRegistry("stub", map[string]structured.Generator{
		"stub":  gen,
		"other": gen,
	})
	require.NoError(t, err)

	repo := &txCountingStore{Store: memory.NewStore()}
	dispatcher := &stubDispatcher{}
	archiver := &recordingArchiver{}
	svc := generation.NewService(repo, dispatcher,
		stubAggregator{skills: []string{"Node.js", "SQL", "Git"}},
		registry,
		generation.WithServiceLogger(quietLogger()),
		generation.WithArchiver(archiver),
	)
	return &fixture{svc: svc, store: repo.Store, repo: repo, dispatcher: dispatcher, archiver: archiver}
}

// completedJob は Submit と Execute を通して COMPLETED のジョブを作る
func (f *fixture) completedJob(t *testing.T) *generation.GenerationJob {
	t.Helper()
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "Backend Developer")
	require.NoError(t, err)
	require.NoError(t, f.svc.Execute(ctx, job.ID))

	got, err := f.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, generation.StatusCompleted, got.Status)
	return got
}

var errBoom = errors.New("boom")
