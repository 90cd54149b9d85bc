package structured

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema は生成結果が満たすべき JSON Schema
type Schema struct {
	name     string
	document string
	compiled *gojsonschema.Schema
}

// NewSchema は JSON Schema 文書をコンパイルする
func NewSchema(name, document string) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &Schema{name: name, document: document, compiled: compiled}, nil
}

// MustSchema は NewSchema の失敗時に panic する。パッケージ変数の初期化用
func MustSchema(name, document string) *Schema {
	s, err := NewSchema(name, document)
	if err != nil {
		panic(err)
	}
	return s
}

// Name はスキーマ名を返す
func (s *Schema) Name() string {
	return s.name
}

// Document はプロンプトに埋め込むためのスキーマ文書を返す
func (s *Schema) Document() string {
	return s.document
}

// Validate は生の出力を検証し、適合していれば JSON として返す
// 不正な JSON やスキーマ不一致はすべて ErrSchemaViolation になる
func (s *Schema) Validate(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(stripCodeFence(raw))
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: %s: output is not valid JSON", ErrSchemaViolation, s.name)
	}

	result, err := s.compiled.Validate(gojsonschema.NewStringLoader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaViolation, s.name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &ViolationError{Schema: s.name, Details: msgs}
	}

	return json.RawMessage(trimmed), nil
}

// stripCodeFence は ```json ... ``` で囲まれた出力から本文を取り出す
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.Index(t, "\n"); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}
