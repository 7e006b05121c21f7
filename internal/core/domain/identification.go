package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScanRegion is a sub-rectangle of a page expressed as fractions of its
// width and height.
type ScanRegion struct {
	Name string  `json:"name"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// FullPage covers the whole image.
var FullPage = ScanRegion{Name: "full", X0: 0, Y0: 0, X1: 1, Y1: 1}

type IdentificationMethod string

const (
	IdentifiedByCode   IdentificationMethod = "code"
	IdentifiedManually IdentificationMethod = "manual"
)

type Identification struct {
	StudentID  string               `json:"student_id"`
	QuestionID string               `json:"question_id,omitempty"`
	Method     IdentificationMethod `json:"method"`
	Region     string               `json:"region,omitempty"`
}

// ParseIdentityCode decodes a code payload. Accepted forms:
//
//	{"studentId":"s-1"}
//	{"studentId":"s-1","questionId":"q-3"}
//	s-1
//	s-1:q-3
func ParseIdentityCode(payload string) (Identification, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Identification{}, WrapError(ErrInvalidInput, "parse identity code", fmt.Errorf("empty payload"))
	}

	if strings.HasPrefix(payload, "{") {
		var raw struct {
			StudentID  string `json:"studentId"`
			QuestionID string `json:"questionId"`
		}
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return Identification{}, WrapError(ErrInvalidInput, "parse identity code", err)
		}
		if strings.TrimSpace(raw.StudentID) == "" {
			return Identification{}, WrapError(ErrInvalidInput, "parse identity code", fmt.Errorf("studentId is required"))
		}
		return Identification{
			StudentID:  strings.TrimSpace(raw.StudentID),
			QuestionID: strings.TrimSpace(raw.QuestionID),
			Method:     IdentifiedByCode,
		}, nil
	}

	student, question, _ := strings.Cut(payload, ":")
	student = strings.TrimSpace(student)
	if student == "" || strings.ContainsAny(student, " \t\n") {
		return Identification{}, WrapError(ErrInvalidInput, "parse identity code", fmt.Errorf("malformed payload %q", payload))
	}
	return Identification{
		StudentID:  student,
		QuestionID: strings.TrimSpace(question),
		Method:     IdentifiedByCode,
	}, nil
}
