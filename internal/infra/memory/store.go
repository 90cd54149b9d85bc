// Package memory はプロセス内で完結する generation.Repository の実装を提供する
// 単一プロセスでの開発実行とテストに使う
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/samber/mo"
)

// CourseRecord は公開済みのコース
type CourseRecord struct {
	ID      uuid.UUID
	Course  curriculum.Course
	Lessons []LessonRecord
}

// LessonRecord は公開済みのレッスン
type LessonRecord struct {
	ID       uuid.UUID
	Position int
	Lesson   curriculum.Lesson
}

// PrerequisiteRecord は公開済みの前提関係
type PrerequisiteRecord struct {
	CourseID       uuid.UUID
	PrerequisiteID uuid.UUID
}

// CatalogEntry は公開済みのカタログエントリ
type CatalogEntry struct {
	ID            uuid.UUID
	GroupID       uuid.UUID
	SourceJobID   uuid.UUID
	Title         string
	CourseIDs     []uuid.UUID
	CreatedAt     time.Time
	Prerequisites []PrerequisiteRecord
}

// Store はメモリ上の generation.Repository 実装
// WithinTx の実行中はストア全体をロックするため、トランザクションは直列化される
type Store struct {
	mu            sync.Mutex
	jobs          map[uuid.UUID]*generation.GenerationJob
	groups        map[uuid.UUID]*generation.CatalogGroup
	entries       map[uuid.UUID]*CatalogEntry
	entryByJob    map[uuid.UUID]uuid.UUID
	courses       map[uuid.UUID]*CourseRecord
	prerequisites map[uuid.UUID][]PrerequisiteRecord
}

var _ generation.Repository = (*Store)(nil)

// NewStore は空の Store を作成する
func NewStore() *Store {
	return &Store{
		jobs:          make(map[uuid.UUID]*generation.GenerationJob),
		groups:        make(map[uuid.UUID]*generation.CatalogGroup),
		entries:       make(map[uuid.UUID]*CatalogEntry),
		entryByJob:    make(map[uuid.UUID]uuid.UUID),
		courses:       make(map[uuid.UUID]*CourseRecord),
		prerequisites: make(map[uuid.UUID][]PrerequisiteRecord),
	}
}

// CreateJob はジョブを保存する
func (s *Store) CreateJob(ctx context.Context, job *generation.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob はジョブを取得する
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*generation.GenerationJob], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return mo.None[*generation.GenerationJob](), nil
	}
	return mo.Some(cloneJob(job)), nil
}

// UpdateJob はジョブを上書きする。許可されない状態遷移は ErrStateConflict
func (s *Store) UpdateJob(ctx context.Context, job *generation.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: job %s", generation.ErrNotFound, job.ID)
	}
	if err := generation.CheckTransition(current.Status, job.Status); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ListJobsByStatus は指定状態のジョブを作成日時順で返す
func (s *Store) ListJobsByStatus(ctx context.Context, status generation.Status) ([]*generation.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*generation.GenerationJob, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// CreateGroup はグループを作成する
func (s *Store) CreateGroup(ctx context.Context, name string) (*generation.CatalogGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := &generation.CatalogGroup{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	s.groups[group.ID] = group
	copied := *group
	return &copied, nil
}

// GetGroup はグループを取得する
func (s *Store) GetGroup(ctx context.Context, id uuid.UUID) (mo.Option[*generation.CatalogGroup], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[id]
	if !ok {
		return mo.None[*generation.CatalogGroup](), nil
	}
	copied := *group
	return mo.Some(&copied), nil
}

// EnsureDefaultGroup は既定グループを返す。存在しなければ作成する
func (s *Store) EnsureDefaultGroup(ctx context.Context, name string) (*generation.CatalogGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.IsDefault {
			copied := *g
			return &copied, nil
		}
	}
	group := &generation.CatalogGroup{ID: uuid.New(), Name: name, IsDefault: true, CreatedAt: time.Now()}
	s.groups[group.ID] = group
	copied := *group
	return &copied, nil
}

// WithinTx は fn の変更をまとめて反映する。fn がエラーを返した場合は何も反映しない
func (s *Store) WithinTx(ctx context.Context, fn func(tx generation.CatalogTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &storeTx{store: s, courses: make(map[uuid.UUID]*CourseRecord)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// CatalogEntry は公開済みエントリを返す（テスト・確認用）
func (s *Store) CatalogEntry(id uuid.UUID) (CatalogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return CatalogEntry{}, false
	}
	copied := *entry
	copied.CourseIDs = append([]uuid.UUID(nil), entry.CourseIDs...)
	for _, courseID := range entry.CourseIDs {
		copied.Prerequisites = append(copied.Prerequisites, s.prerequisites[courseID]...)
	}
	return copied, true
}

// Course は公開済みコースを返す（テスト・確認用）
func (s *Store) Course(id uuid.UUID) (CourseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.courses[id]
	if !ok {
		return CourseRecord{}, false
	}
	return *c, true
}

// EntryCount は公開済みエントリ数を返す
func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// storeTx はトランザクション中の変更を保持する。Store のロックを保持した状態で使われる
type storeTx struct {
	store *Store

	entry         *CatalogEntry
	courses       map[uuid.UUID]*CourseRecord
	prerequisites []PrerequisiteRecord
	published     *generation.GenerationJob
}

func (t *storeTx) LockJob(ctx context.Context, id uuid.UUID) (mo.Option[*generation.GenerationJob], error) {
	job, ok := t.store.jobs[id]
	if !ok {
		return mo.None[*generation.GenerationJob](), nil
	}
	return mo.Some(cloneJob(job)), nil
}

func (t *storeTx) CreateCatalogEntry(ctx context.Context, groupID uuid.UUID, jobID uuid.UUID, title string) (uuid.UUID, error) {
	if _, exists := t.store.entryByJob[jobID]; exists || t.entry != nil {
		return uuid.Nil, fmt.Errorf("%w: job %s already has a catalog entry", generation.ErrStateConflict, jobID)
	}
	if _, ok := t.store.groups[groupID]; !ok {
		return uuid.Nil, fmt.Errorf("%w: group %s", generation.ErrNotFound, groupID)
	}
	t.entry = &CatalogEntry{
		ID:          uuid.New(),
		GroupID:     groupID,
		SourceJobID: jobID,
		Title:       title,
		CreatedAt:   time.Now(),
	}
	return t.entry.ID, nil
}

func (t *storeTx) CreateCourse(ctx context.Context, course curriculum.Course) (uuid.UUID, error) {
	id := uuid.New()
	course.Lessons = nil
	t.courses[id] = &CourseRecord{ID: id, Course: course}
	return id, nil
}

func (t *storeTx) CreateLesson(ctx context.Context, courseID uuid.UUID, position int, lesson curriculum.Lesson) (uuid.UUID, error) {
	c, ok := t.courses[courseID]
	if !ok {
		return uuid.Nil, fmt.Errorf("course %s not found", courseID)
	}
	id := uuid.New()
	c.Lessons = append(c.Lessons, LessonRecord{ID: id, Position: position, Lesson: lesson})
	return id, nil
}

func (t *storeTx) LinkCourse(ctx context.Context, entryID uuid.UUID, courseID uuid.UUID, position int) error {
	if t.entry == nil || t.entry.ID != entryID {
		return fmt.Errorf("catalog entry %s not found", entryID)
	}
	if position != len(t.entry.CourseIDs) {
		return fmt.Errorf("course position %d out of order", position)
	}
	t.entry.CourseIDs = append(t.entry.CourseIDs, courseID)
	return nil
}

func (t *storeTx) CreatePrerequisite(ctx context.Context, courseID uuid.UUID, prerequisiteID uuid.UUID) error {
	if courseID == prerequisiteID {
		return fmt.Errorf("course %s cannot depend on itself", courseID)
	}
	for _, p := range t.prerequisites {
		if p.CourseID == courseID && p.PrerequisiteID == prerequisiteID {
			return fmt.Errorf("duplicate prerequisite %s -> %s", prerequisiteID, courseID)
		}
	}
	t.prerequisites = append(t.prerequisites, PrerequisiteRecord{CourseID: courseID, PrerequisiteID: prerequisiteID})
	return nil
}

func (t *storeTx) MarkPublished(ctx context.Context, jobID uuid.UUID, publishedID uuid.UUID, at time.Time) error {
	job, ok := t.store.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", generation.ErrNotFound, jobID)
	}
	if job.PublishedID != nil {
		return fmt.Errorf("%w: job %s already published", generation.ErrStateConflict, jobID)
	}
	published := cloneJob(job)
	published.Status = generation.StatusPublished
	published.PublishedID = &publishedID
	published.PublishedAt = &at
	published.UpdatedAt = at
	t.published = published
	return nil
}

func (t *storeTx) commit() {
	s := t.store
	for id, c := range t.courses {
		s.courses[id] = c
	}
	for _, p := range t.prerequisites {
		s.prerequisites[p.CourseID] = append(s.prerequisites[p.CourseID], p)
	}
	if t.entry != nil {
		s.entries[t.entry.ID] = t.entry
		s.entryByJob[t.entry.SourceJobID] = t.entry.ID
	}
	if t.published != nil {
		s.jobs[t.published.ID] = t.published
	}
}

// cloneJob はドラフトを含めてジョブを複製する
func cloneJob(job *generation.GenerationJob) *generation.GenerationJob {
	copied := *job
	if job.Draft != nil {
		var draft curriculum.MapData
		// MapData は JSON で表現できる値のみを持つ
		b, _ := json.Marshal(job.Draft)
		_ = json.Unmarshal(b, &draft)
		copied.Draft = &draft
	}
	if job.CurrentStep != nil {
		step := *job.CurrentStep
		copied.CurrentStep = &step
	}
	if job.Error != nil {
		msg := *job.Error
		copied.Error = &msg
	}
	return &copied
}
