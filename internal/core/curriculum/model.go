package curriculum

import "fmt"

// Category はコースの分類
type Category string

const (
	CategoryTechnical Category = "Technical"
	CategorySoft      Category = "Soft"
	CategoryTool      Category = "Tool"
)

// Categories は有効な分類の一覧（スキーマの enum と同じ順序）
var Categories = []Category{CategoryTechnical, CategorySoft, CategoryTool}

// IsValid は分類が定義済みの値かを判定する
func (c Category) IsValid() bool {
	switch c {
	case CategoryTechnical, CategorySoft, CategoryTool:
		return true
	}
	return false
}

const (
	// MinSFIALevel は SFIA レベルの下限
	MinSFIALevel = 1
	// MaxSFIALevel は SFIA レベルの上限
	MaxSFIALevel = 7
)

// Lesson はコース内のレッスン
type Lesson struct {
	Title       string   `json:"title"`
	TitleTh     string   `json:"titleTh"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
}

// Course はカリキュラムグラフのノード。Title が生成内での識別子になる
type Course struct {
	Title          string   `json:"title"`
	TitleTh        string   `json:"titleTh"`
	Description    string   `json:"description"`
	Category       Category `json:"category"`
	SFIALevel      int      `json:"sfiaLevel"`
	EstimatedHours float64  `json:"estimatedHours"`
	Shareable      bool     `json:"shareable"`
	Lessons        []Lesson `json:"lessons"`
}

// Validate はキュレーター編集などで外部から渡されたコースを検証する
func (c Course) Validate() error {
	if c.Title == "" {
		return fmt.Errorf("course title is required")
	}
	if !c.Category.IsValid() {
		return fmt.Errorf("course %q: invalid category %q", c.Title, c.Category)
	}
	if c.SFIALevel < MinSFIALevel || c.SFIALevel > MaxSFIALevel {
		return fmt.Errorf("course %q: sfiaLevel %d out of range [%d,%d]", c.Title, c.SFIALevel, MinSFIALevel, MaxSFIALevel)
	}
	if c.EstimatedHours <= 0 {
		return fmt.Errorf("course %q: estimatedHours must be positive", c.Title)
	}
	for i, l := range c.Lessons {
		if l.Title == "" {
			return fmt.Errorf("course %q: lesson %d has no title", c.Title, i)
		}
	}
	return nil
}

// Dependency はコースタイトル間の前提関係（Prerequisite → Dependent）
type Dependency struct {
	Prerequisite string `json:"prerequisite"`
	Dependent    string `json:"dependent"`
}

func (d Dependency) String() string {
	return d.Prerequisite + " -> " + d.Dependent
}

// Counts はドラフトの集計値
type Counts struct {
	CourseCount          int `json:"courseCount"`
	LessonCount          int `json:"lessonCount"`
	RawSkillCount        int `json:"rawSkillCount"`
	NormalizedSkillCount int `json:"normalizedSkillCount"`
}

// MapData は公開前のカリキュラムグラフ（ドラフト）
type MapData struct {
	JobTitle      string       `json:"jobTitle"`
	Courses       []Course     `json:"courses"`
	Dependencies  []Dependency `json:"dependencies"`
	SharedCourses []string     `json:"sharedCourses"`
	Counts        Counts       `json:"counts"`
}

// Titles はコースタイトルをドラフト順で返す
func Titles(courses []Course) []string {
	titles := make([]string, 0, len(courses))
	for _, c := range courses {
		titles = append(titles, c.Title)
	}
	return titles
}

// LessonCount は全コースのレッスン総数を返す
func LessonCount(courses []Course) int {
	total := 0
	for _, c := range courses {
		total += len(c.Lessons)
	}
	return total
}

// Titles はドラフトのコースタイトルを返す
func (m *MapData) Titles() []string {
	return Titles(m.Courses)
}

// Refresh はコース一覧から導出される値（共有コースと件数）を再計算する
func (m *MapData) Refresh() {
	m.SharedCourses = DetectShared(m.Courses)
	m.Counts.CourseCount = len(m.Courses)
	m.Counts.LessonCount = LessonCount(m.Courses)
}
