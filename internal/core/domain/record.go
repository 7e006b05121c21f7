package domain

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultSessionMaxAge is how long a persisted snapshot stays resumable.
const DefaultSessionMaxAge = 4 * time.Hour

// SessionRecord is the durable snapshot format of a ScanSession.
type SessionRecord struct {
	SessionID            string                `json:"sessionId"`
	UserID               string                `json:"userId,omitempty"`
	ScanState            ScanState             `json:"scanState"`
	FinalImage           string                `json:"finalImage,omitempty"`
	AdditionalImages     []string              `json:"additionalImages,omitempty"`
	ClassID              string                `json:"classId,omitempty"`
	StudentID            string                `json:"studentId,omitempty"`
	SelectedQuestionIDs  []string              `json:"selectedQuestionIds,omitempty"`
	GradingMode          GradingMode           `json:"gradingMode,omitempty"`
	Result               *GradingOutcome       `json:"result,omitempty"`
	TeacherGuidedResult  *GradingOutcome       `json:"teacherGuidedResult,omitempty"`
	RawAnalysis          string                `json:"rawAnalysis,omitempty"`
	AnswerGuideImage     string                `json:"answerGuideImage,omitempty"`
	MultiQuestionResults []QuestionResult      `json:"multiQuestionResults,omitempty"`
	CurrentQuestionIndex int                   `json:"currentQuestionIndex"`
	Extraction           *Extraction           `json:"extraction,omitempty"`
	Identification       *Identification       `json:"identification,omitempty"`
	Adjudication         *AdjudicationDecision `json:"adjudication,omitempty"`
	Timestamp            int64                 `json:"timestamp"`
}

// SavedAt converts the epoch-millisecond timestamp.
func (r SessionRecord) SavedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Expired reports whether the record is older than maxAge at now.
func (r SessionRecord) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.SavedAt()) > maxAge
}

// Recoverable reports whether the record carries enough to resume.
func (r SessionRecord) Recoverable() bool {
	if !r.ScanState.Persistable() {
		return false
	}
	return r.FinalImage != "" || r.Result != nil
}

// ToRecord snapshots a session. Page data is embedded as data URLs.
func ToRecord(s *ScanSession, now time.Time) SessionRecord {
	rec := SessionRecord{
		SessionID:            s.ID,
		UserID:               s.UserID,
		ScanState:            s.State,
		ClassID:              s.ClassID,
		StudentID:            s.StudentID,
		SelectedQuestionIDs:  s.SelectedQuestionIDs,
		GradingMode:          s.GradingMode,
		TeacherGuidedResult:  s.TeacherGuidedResult,
		RawAnalysis:          s.RawAnalysis,
		MultiQuestionResults: s.QuestionResults,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Extraction:           s.Extraction,
		Identification:       s.Identification,
		Adjudication:         s.Adjudication,
		Timestamp:            now.UnixMilli(),
	}
	for i, p := range s.Pages {
		if i == 0 {
			rec.FinalImage = EncodeDataURL(p.MimeType, p.Data)
			continue
		}
		rec.AdditionalImages = append(rec.AdditionalImages, EncodeDataURL(p.MimeType, p.Data))
	}
	if len(s.AnswerGuideImage) > 0 {
		rec.AnswerGuideImage = EncodeDataURL("", s.AnswerGuideImage)
	}
	switch {
	case s.AIResult != nil:
		rec.Result = s.AIResult
	case s.ManualResult != nil:
		rec.Result = s.ManualResult
	}
	return rec
}

// FromRecord rebuilds a session from a snapshot. The session is marked as
// resumed and no grading is re-run.
func FromRecord(key string, rec SessionRecord) (*ScanSession, error) {
	if !rec.ScanState.Valid() {
		return nil, WrapError(ErrUnrecoverableSession, "restore session", fmt.Errorf("unknown scan state %q", rec.ScanState))
	}
	savedAt := rec.SavedAt().UTC()
	s := &ScanSession{
		ID:                   rec.SessionID,
		Key:                  key,
		UserID:               rec.UserID,
		State:                rec.ScanState,
		ClassID:              rec.ClassID,
		StudentID:            rec.StudentID,
		SelectedQuestionIDs:  rec.SelectedQuestionIDs,
		GradingMode:          rec.GradingMode,
		TeacherGuidedResult:  rec.TeacherGuidedResult,
		RawAnalysis:          rec.RawAnalysis,
		QuestionResults:      rec.MultiQuestionResults,
		CurrentQuestionIndex: rec.CurrentQuestionIndex,
		Extraction:           rec.Extraction,
		Identification:       rec.Identification,
		Adjudication:         rec.Adjudication,
		Resumed:              true,
		CreatedAt:            savedAt,
		UpdatedAt:            savedAt,
	}

	images := make([]string, 0, 1+len(rec.AdditionalImages))
	if rec.FinalImage != "" {
		images = append(images, rec.FinalImage)
	}
	images = append(images, rec.AdditionalImages...)
	for i, img := range images {
		mime, data, err := DecodeDataURL(img)
		if err != nil {
			return nil, WrapError(ErrUnrecoverableSession, "restore session", fmt.Errorf("page %d: %w", i, err))
		}
		s.Pages = append(s.Pages, PageImage{Index: i, MimeType: mime, Data: data, CapturedAt: savedAt})
	}
	if rec.AnswerGuideImage != "" {
		_, data, err := DecodeDataURL(rec.AnswerGuideImage)
		if err != nil {
			return nil, WrapError(ErrUnrecoverableSession, "restore session", fmt.Errorf("answer guide: %w", err))
		}
		s.AnswerGuideImage = data
	}
	if rec.Result != nil {
		switch rec.Result.Strategy {
		case StrategyManual:
			s.ManualResult = rec.Result
		default:
			s.AIResult = rec.Result
		}
	}
	return s, nil
}

// EncodeDataURL renders bytes as a base64 data URL, sniffing the MIME type
// when none is given.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL accepts a data URL or a bare base64 string.
func DecodeDataURL(s string) (string, []byte, error) {
	s = strings.TrimSpace(s)
	mimeType := ""
	if strings.HasPrefix(s, "data:") {
		header, payload, ok := strings.Cut(s, ",")
		if !ok {
			return "", nil, fmt.Errorf("malformed data url")
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return "", nil, fmt.Errorf("data url is not base64 encoded")
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", nil, fmt.Errorf("decode base64: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, data, nil
}
