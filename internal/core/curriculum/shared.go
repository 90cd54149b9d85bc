package curriculum

import (
	"strings"
	"unicode"
)

// sharedVocabulary は職種をまたいで再利用できる汎用的な能力を表す語彙（小文字）
var sharedVocabulary = []string{
	"version control",
	"git",
	"database",
	"sql",
	"communication",
	"teamwork",
	"collaboration",
	"problem solving",
	"testing",
	"security",
	"linux",
	"command line",
	"command-line",
	"shell",
	"data structure",
	"algorithm",
	"networking",
	"cloud fundamentals",
	"agile",
	"documentation",
}

// DetectShared は共有コースのタイトルをコース順で返す
// Cluster が Shareable を立てたコース、またはタイトルが語彙を含むコースが対象
func DetectShared(courses []Course) []string {
	shared := make([]string, 0)
	seen := make(map[string]bool)
	for _, c := range courses {
		if seen[c.Title] {
			continue
		}
		if c.Shareable || matchesVocabulary(c.Title) {
			seen[c.Title] = true
			shared = append(shared, c.Title)
		}
	}
	return shared
}

// shortTermLength 以下の語は "digital" の "git" のような誤検出を避けるため単語単位で照合する
const shortTermLength = 3

func matchesVocabulary(title string) bool {
	lower := strings.ToLower(title)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, term := range sharedVocabulary {
		if len(term) > shortTermLength {
			if strings.Contains(lower, term) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == term {
				return true
			}
		}
	}
	return false
}
