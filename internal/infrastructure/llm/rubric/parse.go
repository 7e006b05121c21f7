package rubric

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// ParseResponse reads a model answer into an oracle response. Code fences and
// prose around the JSON object are tolerated; an answer without a usable
// object is an invalid_response failure.
func ParseResponse(raw, model string) (domain.OracleResponse, error) {
	body := ExtractJSONObject(StripCodeFences(raw))
	if !gjson.Valid(body) {
		return domain.OracleResponse{}, invalid(errors.New("answer is not a JSON object"))
	}
	doc := gjson.Parse(body)
	if !doc.IsObject() {
		return domain.OracleResponse{}, invalid(errors.New("answer is not a JSON object"))
	}

	out := domain.OracleResponse{
		Justification: strings.TrimSpace(doc.Get("justification").String()),
		Model:         model,
		Raw:           body,
	}

	for _, item := range doc.Get("rubric_scores").Array() {
		out.RubricScores = append(out.RubricScores, domain.RubricScore{
			Criterion: strings.TrimSpace(item.Get("criterion").String()),
			Earned:    item.Get("earned").Float(),
			Possible:  item.Get("possible").Float(),
		})
	}
	for _, m := range doc.Get("misconceptions").Array() {
		if s := strings.TrimSpace(m.String()); s != "" {
			out.Misconceptions = append(out.Misconceptions, s)
		}
	}

	level := doc.Get("proficiency_level")
	if !level.Exists() {
		level = doc.Get("regents_score")
	}
	if level.Type == gjson.Number {
		if level.Float() != float64(level.Int()) {
			return domain.OracleResponse{}, invalid(fmt.Errorf("proficiency level %v is not an integer", level.Float()))
		}
		v := int(level.Int())
		out.ProficiencyLevel = &v
	}

	if pct := doc.Get("raw_percentage"); pct.Type == gjson.Number {
		v := pct.Float()
		out.RawPercentage = &v
	}
	if work := doc.Get("has_work"); work.Type == gjson.True || work.Type == gjson.False {
		v := work.Bool()
		out.HasWork = &v
	}

	if out.ProficiencyLevel == nil && out.RawPercentage == nil && len(out.RubricScores) == 0 && out.HasWork == nil {
		return domain.OracleResponse{}, invalid(errors.New("answer carries no score"))
	}
	return out, nil
}

func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func invalid(err error) error {
	return &domain.GradingFailure{Reason: domain.FailureInvalidResponse, Err: err}
}
