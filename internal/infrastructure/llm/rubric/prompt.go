// Package rubric holds the grading prompt and the tolerant parser for oracle
// answers shared by every model provider.
package rubric

import (
	"fmt"
	"strings"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

const maxWorkChars = 12000

const responseContract = `Return one strict JSON object with keys:
rubric_scores (array of {criterion: string, earned: number, possible: number}),
misconceptions (array of strings, empty when none),
proficiency_level (integer 0-4, or null when you cannot place the work on the scale),
justification (string, two to four sentences addressed to the teacher),
raw_percentage (number 0-100: total earned / total possible * 100),
has_work (boolean: false when the page holds only the printed prompt or nothing written by the student).
No markdown, no extra keys.`

// OCRPrompt asks a vision model for a verbatim transcription.
const OCRPrompt = `Transcribe all handwritten and printed text on this page exactly as written.
Keep line breaks and mathematical notation. Do not correct, solve or comment.
Return only the transcription.`

// SystemInstruction is the grader role shared by both tasks.
const SystemInstruction = `You grade one student's handwritten answer for a teacher.
Score every rubric criterion you apply, list concrete misconceptions visible in the work,
and place the work on the 0-4 proficiency scale (4 exceeds, 3 meets, 2 approaches, 1 limited, 0 no understanding).`

// BuildGradingPrompt renders the user prompt of a grading request. The
// reference-guided task is told to compare against the attached answer
// guide image; the autonomous task receives no reference.
func BuildGradingPrompt(req domain.GradingRequest) string {
	work := strings.TrimSpace(req.Text)
	if len(work) > maxWorkChars {
		work = work[:maxWorkChars]
	}

	var b strings.Builder
	switch req.Task {
	case domain.TaskReferenceGuided:
		b.WriteString("The last attached image is the teacher's answer guide. Grade the student's work strictly against it: ")
		b.WriteString("award credit only for steps and answers the guide accepts.\n\n")
	default:
		b.WriteString("No answer guide is available. Solve the problem yourself first, then grade the student's work ")
		b.WriteString("against your own solution.\n\n")
	}
	if prompt := strings.TrimSpace(req.QuestionPrompt); prompt != "" {
		fmt.Fprintf(&b, "Question:\n%s\n\n", prompt)
	} else if req.QuestionID != "" {
		fmt.Fprintf(&b, "Question id: %s\n\n", req.QuestionID)
	}
	fmt.Fprintf(&b, "Student work (transcribed; page images attached):\n%s\n\n", work)
	b.WriteString(responseContract)
	return b.String()
}
