package skillsource

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jinford/skill-graph/internal/core/skill"
	"gopkg.in/yaml.v3"
)

// Occupation はローカルカタログの1職業
type Occupation struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title"`
	Aliases []string `yaml:"aliases"`
	Skills  []string `yaml:"skills"`
}

type catalogFile struct {
	Occupations []Occupation `yaml:"occupations"`
}

// CatalogSource は YAML ファイルで管理する職業とスキルの対応表
// 検索は職業名と別名に対する大文字小文字を区別しない部分一致
type CatalogSource struct {
	name        string
	occupations []Occupation
	byID        map[string]Occupation
}

var _ skill.Source = (*CatalogSource)(nil)

// ParseCatalog は YAML からカタログを構築する
func ParseCatalog(name string, data []byte) (*CatalogSource, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("catalog %s: payload is empty", name)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog %s: decode: %w", name, err)
	}

	byID := make(map[string]Occupation, len(file.Occupations))
	for i, o := range file.Occupations {
		o.ID = strings.TrimSpace(o.ID)
		if o.ID == "" {
			return nil, fmt.Errorf("catalog %s: occupation %d has no id", name, i)
		}
		if _, dup := byID[o.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate occupation id %q", name, o.ID)
		}
		file.Occupations[i] = o
		byID[o.ID] = o
	}

	return &CatalogSource{
		name:        name,
		occupations: file.Occupations,
		byID:        byID,
	}, nil
}

// LoadCatalog は YAML ファイルを読み込んでカタログを構築する
func LoadCatalog(name, path string) (*CatalogSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: read %s: %w", name, path, err)
	}
	return ParseCatalog(name, data)
}

func (c *CatalogSource) Name() string {
	return c.name
}

func (c *CatalogSource) Search(_ context.Context, keyword string) ([]skill.Match, error) {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil, nil
	}

	matches := make([]skill.Match, 0)
	for _, o := range c.occupations {
		if containsFold(o.Title, needle) || anyContainsFold(o.Aliases, needle) {
			matches = append(matches, skill.Match{ID: o.ID, Title: o.Title})
		}
	}
	return matches, nil
}

func (c *CatalogSource) FetchSkillNames(_ context.Context, matchID string) ([]string, error) {
	o, ok := c.byID[matchID]
	if !ok {
		return nil, fmt.Errorf("catalog %s: unknown occupation %q", c.name, matchID)
	}
	return append([]string(nil), o.Skills...), nil
}

func containsFold(s, lowerNeedle string) bool {
	return strings.Contains(strings.ToLower(s), lowerNeedle)
}

func anyContainsFold(list []string, lowerNeedle string) bool {
	for _, s := range list {
		if containsFold(s, lowerNeedle) {
			return true
		}
	}
	return false
}
