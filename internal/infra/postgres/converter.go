package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/generation"
)

// StepPtrToPgtext converts *generation.Step to pgtype.Text
func StepPtrToPgtext(s *generation.Step) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*s), Valid: true}
}

// PgtextToStepPtr converts pgtype.Text to *generation.Step
func PgtextToStepPtr(t pgtype.Text) *generation.Step {
	if !t.Valid {
		return nil
	}
	step := generation.Step(t.String)
	return &step
}

// StringPtrToPgtext converts *string to pgtype.Text
func StringPtrToPgtext(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

// PgtextToStringPtr converts pgtype.Text to *string
func PgtextToStringPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

// DraftToJSON は MapData を JSONB 用のバイト列に変換する。nil は NULL
func DraftToJSON(d *curriculum.MapData) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal draft: %w", err)
	}
	return b, nil
}

// JSONToDraft は JSONB の値を MapData に変換する
func JSONToDraft(b []byte) (*curriculum.MapData, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var d curriculum.MapData
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	return &d, nil
}
