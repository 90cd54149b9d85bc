package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/structured"
)

// NormalizeFallbackLimit は Normalize のフォールバックで生成する最大件数
const NormalizeFallbackLimit = 20

const (
	// DefaultSFIALevel は Grade で評価が返らなかったコースの SFIA レベル
	DefaultSFIALevel = 3
	// DefaultEstimatedHours は Grade で評価が返らなかったコースの学習時間
	DefaultEstimatedHours = 10.0
)

type normalizeResponse struct {
	Skills []NormalizedSkill `json:"skills"`
}

type clusterResponse struct {
	Courses []ClusteredCourse `json:"courses"`
}

type gradedEntry struct {
	Title          string  `json:"title"`
	SFIALevel      int     `json:"sfiaLevel"`
	EstimatedHours float64 `json:"estimatedHours"`
}

type gradeResponse struct {
	Courses []gradedEntry `json:"courses"`
}

type dependencyResponse struct {
	Dependencies []curriculum.Dependency `json:"dependencies"`
}

// Normalize は生のスキル名を正規化・分類する
// 生成結果が空配列の場合のみ、生のスキル名から決定的にフォールバックを作る
func Normalize(ctx context.Context, gen structured.Generator, jobTitle string, raw []RawSkill) ([]NormalizedSkill, error) {
	resp, err := structured.Decode[normalizeResponse](ctx, gen, structured.Request{
		Name:        string(StepNormalize),
		Instruction: BuildNormalizePrompt(jobTitle, raw),
		Schema:      normalizeSchema,
		Options:     structured.Options{Creativity: NormalizeCreativity, SizeBudget: NormalizeSizeBudget},
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Skills) == 0 {
		return fallbackSkills(jobTitle, raw), nil
	}
	return resp.Skills, nil
}

func fallbackSkills(jobTitle string, raw []RawSkill) []NormalizedSkill {
	if len(raw) == 0 {
		raw = []RawSkill{RawSkill(jobTitle)}
	}
	if len(raw) > NormalizeFallbackLimit {
		raw = raw[:NormalizeFallbackLimit]
	}

	skills := make([]NormalizedSkill, 0, len(raw))
	for _, r := range raw {
		label := string(r)
		skills = append(skills, NormalizedSkill{
			Label:       label,
			Description: fmt.Sprintf("Working knowledge of %s.", label),
			Category:    curriculum.CategoryTechnical,
		})
	}
	return skills
}

// Cluster は正規化済みスキルをコースとレッスンに構成する
// タイトルは前後の空白を除いて扱い、重複したタイトルは最初の出現のみ残す
func Cluster(ctx context.Context, gen structured.Generator, jobTitle string, skills []NormalizedSkill) ([]ClusteredCourse, error) {
	resp, err := structured.Decode[clusterResponse](ctx, gen, structured.Request{
		Name:        string(StepCluster),
		Instruction: BuildClusterPrompt(jobTitle, skills),
		Schema:      clusterSchema,
		Options:     structured.Options{Creativity: ClusterCreativity, SizeBudget: ClusterSizeBudget},
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(resp.Courses))
	courses := make([]ClusteredCourse, 0, len(resp.Courses))
	for _, c := range resp.Courses {
		c.Title = strings.TrimSpace(c.Title)
		if c.Title == "" || seen[c.Title] {
			continue
		}
		seen[c.Title] = true
		courses = append(courses, c)
	}
	if len(courses) == 0 {
		return nil, fmt.Errorf("%w: cluster: no course with a usable title", structured.ErrSchemaViolation)
	}
	return courses, nil
}

// Grade はコースごとに SFIA レベルと学習時間を付与する
// タイトルの完全一致で結果をマージし、返らなかったコースには既定値を使う
func Grade(ctx context.Context, gen structured.Generator, jobTitle string, courses []ClusteredCourse) ([]GradedCourse, error) {
	resp, err := structured.Decode[gradeResponse](ctx, gen, structured.Request{
		Name:        string(StepGrade),
		Instruction: BuildGradePrompt(jobTitle, courses),
		Schema:      gradeSchema,
		Options:     structured.Options{Creativity: GradeCreativity, SizeBudget: GradeSizeBudget},
	})
	if err != nil {
		return nil, err
	}

	byTitle := make(map[string]gradedEntry, len(resp.Courses))
	for _, g := range resp.Courses {
		if _, dup := byTitle[g.Title]; dup {
			continue
		}
		byTitle[g.Title] = g
	}

	graded := make([]GradedCourse, 0, len(courses))
	for _, c := range courses {
		gc := GradedCourse{
			ClusteredCourse: c,
			SFIALevel:       DefaultSFIALevel,
			EstimatedHours:  DefaultEstimatedHours,
		}
		if g, ok := byTitle[c.Title]; ok {
			gc.SFIALevel = g.SFIALevel
			gc.EstimatedHours = g.EstimatedHours
		}
		graded = append(graded, gc)
	}
	return graded, nil
}

// MapDependencies はコース間の前提関係の候補を返す。循環は VALIDATE で除去する
func MapDependencies(ctx context.Context, gen structured.Generator, jobTitle string, courses []GradedCourse) ([]curriculum.Dependency, error) {
	resp, err := structured.Decode[dependencyResponse](ctx, gen, structured.Request{
		Name:        string(StepMapDependencies),
		Instruction: BuildDependencyPrompt(jobTitle, courses),
		Schema:      dependencySchema,
		Options:     structured.Options{Creativity: MapDependenciesCreativity, SizeBudget: MapDependenciesSizeBudget},
	})
	if err != nil {
		return nil, err
	}
	if resp.Dependencies == nil {
		return []curriculum.Dependency{}, nil
	}
	return resp.Dependencies, nil
}
