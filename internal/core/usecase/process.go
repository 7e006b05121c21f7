package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

// ProcessGradeEventUseCase reconciles a grade-saved event against the record
// store. An event whose grade is not yet visible is reported as temporary so
// the consumer redelivers it.
type ProcessGradeEventUseCase struct {
	grades ports.GradeStore
}

func NewProcessGradeEventUseCase(grades ports.GradeStore) *ProcessGradeEventUseCase {
	return &ProcessGradeEventUseCase{grades: grades}
}

func (uc *ProcessGradeEventUseCase) Process(ctx context.Context, event domain.GradeSavedEvent) (*domain.GradeRecord, error) {
	if err := uc.validate(event); err != nil {
		return nil, err
	}

	record, err := uc.findRecord(ctx, event)
	if err != nil {
		return nil, err
	}

	if err := uc.compare(event, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (uc *ProcessGradeEventUseCase) validate(event domain.GradeSavedEvent) error {
	if event.GradeID == "" || event.SessionID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "process grade event", errors.New("grade id and session id are required"))
	}
	if event.FinalGrade < 0 || event.FinalGrade > domain.MaxGrade {
		return domain.WrapError(domain.ErrInvalidInput, "process grade event", fmt.Errorf("final grade %d outside [0,%d]", event.FinalGrade, domain.MaxGrade))
	}
	return nil
}

func (uc *ProcessGradeEventUseCase) findRecord(ctx context.Context, event domain.GradeSavedEvent) (*domain.GradeRecord, error) {
	records, err := uc.grades.ListGrades(ctx, event.SessionID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "list session grades", err)
	}
	for i := range records {
		if records[i].ID == event.GradeID {
			return &records[i], nil
		}
	}
	return nil, domain.WrapError(domain.ErrTemporary, "process grade event", fmt.Errorf("grade %s not visible yet", event.GradeID))
}

func (uc *ProcessGradeEventUseCase) compare(event domain.GradeSavedEvent, record *domain.GradeRecord) error {
	if record.Grade.FinalGrade != event.FinalGrade || record.StudentID != event.StudentID || record.QuestionID != event.QuestionID {
		return domain.WrapError(
			domain.ErrPolicyViolation,
			"process grade event",
			fmt.Errorf("event for grade %s disagrees with stored record", event.GradeID),
		)
	}
	return nil
}
