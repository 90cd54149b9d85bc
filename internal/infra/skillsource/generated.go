package skillsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinford/skill-graph/internal/core/skill"
	"github.com/jinford/skill-graph/internal/core/structured"
)

const (
	// DefaultSuggestedSkills は生成ソースが提案するスキル数の上限
	DefaultSuggestedSkills = 25

	suggestCreativity = 0.3
	suggestSizeBudget = 1500
)

var suggestSchema = structured.MustSchema("suggest_skills", `{
  "type": "object",
  "required": ["skills"],
  "properties": {
    "skills": {"type": "array", "items": {"type": "string"}}
  }
}`)

type suggestion struct {
	Skills []string `json:"skills"`
}

// GeneratedSource は構造化生成クライアントにスキルを提案させるソース
// 外部の分類 API に該当する職業がない場合の補完に使う
type GeneratedSource struct {
	name  string
	gen   structured.Generator
	limit int
}

var _ skill.Source = (*GeneratedSource)(nil)

// NewGeneratedSource は新しい GeneratedSource を作成する。limit が 0 以下なら既定値
func NewGeneratedSource(name string, gen structured.Generator, limit int) *GeneratedSource {
	if limit <= 0 {
		limit = DefaultSuggestedSkills
	}
	return &GeneratedSource{name: name, gen: gen, limit: limit}
}

func (s *GeneratedSource) Name() string {
	return s.name
}

// Search は職種名そのものを唯一の候補として返す
func (s *GeneratedSource) Search(_ context.Context, keyword string) ([]skill.Match, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, nil
	}
	return []skill.Match{{ID: keyword, Title: keyword}}, nil
}

func (s *GeneratedSource) FetchSkillNames(ctx context.Context, matchID string) ([]string, error) {
	var b strings.Builder
	b.WriteString("You are a workforce skills analyst.\n")
	fmt.Fprintf(&b, "List up to %d concrete skills, tools, and competencies expected of a %q.\n", s.limit, matchID)
	b.WriteString("Use short canonical names (for example \"PostgreSQL\", \"Code Review\"). No explanations.\n")

	out, err := structured.Decode[suggestion](ctx, s.gen, structured.Request{
		Name:        s.name,
		Instruction: b.String(),
		Schema:      suggestSchema,
		Options: structured.Options{
			Creativity: suggestCreativity,
			SizeBudget: suggestSizeBudget,
		},
	})
	if err != nil {
		return nil, err
	}

	skills := out.Skills
	if len(skills) > s.limit {
		skills = skills[:s.limit]
	}
	return skills, nil
}
