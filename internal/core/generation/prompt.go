package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/skill-graph/internal/core/structured"
)

// 各ステップの生成パラメータ
const (
	NormalizeCreativity = 0.2
	NormalizeSizeBudget = 4000

	ClusterCreativity = 0.4
	ClusterSizeBudget = 8000

	GradeCreativity = 0.1
	GradeSizeBudget = 2000

	MapDependenciesCreativity = 0.1
	MapDependenciesSizeBudget = 2000
)

var normalizeSchema = structured.MustSchema("normalize", `{
  "type": "object",
  "required": ["skills"],
  "properties": {
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "description", "category"],
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "category": {"type": "string", "enum": ["Technical", "Soft", "Tool"]}
        }
      }
    }
  }
}`)

var clusterSchema = structured.MustSchema("cluster", `{
  "type": "object",
  "required": ["courses"],
  "properties": {
    "courses": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title", "titleTh", "description", "category", "shareable", "lessons"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "titleTh": {"type": "string"},
          "description": {"type": "string"},
          "category": {"type": "string", "enum": ["Technical", "Soft", "Tool"]},
          "shareable": {"type": "boolean"},
          "lessons": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["title", "titleTh", "description", "skills"],
              "properties": {
                "title": {"type": "string", "minLength": 1},
                "titleTh": {"type": "string"},
                "description": {"type": "string"},
                "skills": {"type": "array", "items": {"type": "string"}}
              }
            }
          }
        }
      }
    }
  }
}`)

var gradeSchema = structured.MustSchema("grade", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["courses"],
  "properties": {
    "courses": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "sfiaLevel", "estimatedHours"],
        "properties": {
          "title": {"type": "string"},
          "sfiaLevel": {"type": "integer", "minimum": 1, "maximum": 7},
          "estimatedHours": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    }
  }
}`)

var dependencySchema = structured.MustSchema("map_dependencies", `{
  "type": "object",
  "required": ["dependencies"],
  "properties": {
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["prerequisite", "dependent"],
        "properties": {
          "prerequisite": {"type": "string"},
          "dependent": {"type": "string"}
        }
      }
    }
  }
}`)

// BuildNormalizePrompt はスキル正規化の指示文を構築する
func BuildNormalizePrompt(jobTitle string, raw []RawSkill) string {
	var sb strings.Builder
	sb.WriteString("You are a workforce skills analyst.\n")
	sb.WriteString(fmt.Sprintf("Target job title: %s\n\n", jobTitle))
	sb.WriteString("## Guidelines\n")
	sb.WriteString("- Merge synonyms and spelling variants into one canonical label\n")
	sb.WriteString("- Drop entries that are not skills relevant to the job\n")
	sb.WriteString("- Give each skill a one-sentence description\n")
	sb.WriteString("- Classify each skill as Technical, Soft or Tool\n\n")
	sb.WriteString("## Raw skills\n")
	for _, s := range raw {
		sb.WriteString("- ")
		sb.WriteString(string(s))
		sb.WriteString("\n")
	}
	return sb.String()
}

// BuildClusterPrompt はコース構成の指示文を構築する
func BuildClusterPrompt(jobTitle string, skills []NormalizedSkill) string {
	var sb strings.Builder
	sb.WriteString("You are a curriculum designer.\n")
	sb.WriteString(fmt.Sprintf("Design a learning path for the job title: %s\n\n", jobTitle))
	sb.WriteString("## Guidelines\n")
	sb.WriteString("- Group related skills into courses; every course needs at least one lesson\n")
	sb.WriteString("- Course titles must be unique and concise\n")
	sb.WriteString("- Provide a Thai translation of every title in titleTh\n")
	sb.WriteString("- Set shareable to true when the course is useful for many different job roles\n")
	sb.WriteString("- List the covered skill labels on each lesson\n\n")
	sb.WriteString("## Skills\n")
	sb.WriteString(toJSON(skills))
	sb.WriteString("\n")
	return sb.String()
}

// BuildGradePrompt は難易度と学習時間の評価指示文を構築する
func BuildGradePrompt(jobTitle string, courses []ClusteredCourse) string {
	var sb strings.Builder
	sb.WriteString("You are an SFIA assessor.\n")
	sb.WriteString(fmt.Sprintf("Job title: %s\n\n", jobTitle))
	sb.WriteString("## Guidelines\n")
	sb.WriteString("- Assign each course an SFIA level from 1 (follow) to 7 (set strategy)\n")
	sb.WriteString("- Estimate the study hours needed to complete each course\n")
	sb.WriteString("- Use the course titles exactly as given\n\n")
	sb.WriteString("## Courses\n")
	for _, c := range courses {
		sb.WriteString(fmt.Sprintf("- %s (%d lessons): %s\n", c.Title, len(c.Lessons), c.Description))
	}
	return sb.String()
}

// BuildDependencyPrompt は前提関係の推定指示文を構築する
func BuildDependencyPrompt(jobTitle string, courses []GradedCourse) string {
	var sb strings.Builder
	sb.WriteString("You are a curriculum designer.\n")
	sb.WriteString(fmt.Sprintf("Job title: %s\n\n", jobTitle))
	sb.WriteString("## Guidelines\n")
	sb.WriteString("- Propose prerequisite relations between the courses below\n")
	sb.WriteString("- Only use the course titles exactly as given\n")
	sb.WriteString("- A course with a lower SFIA level is usually a prerequisite of a higher one\n")
	sb.WriteString("- Avoid circular prerequisites\n\n")
	sb.WriteString("## Courses\n")
	for _, c := range courses {
		sb.WriteString(fmt.Sprintf("- %s (SFIA %d, %s)\n", c.Title, c.SFIALevel, c.Category))
	}
	return sb.String()
}

func toJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}
