package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/infrastructure/resilience"
)

func classifyGeminiError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if _, ok := domain.AsGradingFailure(err); ok {
		return resilience.ClassifyDomainError(err)
	}
	switch failureReason(err) {
	case domain.FailureRateLimited, domain.FailureOracleUnavailable, domain.FailureTimeout:
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case domain.FailureQuotaExhausted:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	default:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
}

func toGradingFailure(err error) error {
	if _, ok := domain.AsGradingFailure(err); ok {
		return err
	}
	return &domain.GradingFailure{Reason: failureReason(err), Err: err}
}

// failureReason maps gRPC and REST errors of the Gemini API onto grading
// failure reasons. Quota exhaustion and rate limiting share one status code
// and are told apart by the message.
func failureReason(err error) domain.FailureReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	if resilience.IsCircuitOpen(err) {
		return domain.FailureOracleUnavailable
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return reasonForHTTP(apiErr.Code, apiErr.Message)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			if mentionsQuota(st.Message()) {
				return domain.FailureQuotaExhausted
			}
			return domain.FailureRateLimited
		case codes.DeadlineExceeded:
			return domain.FailureTimeout
		case codes.Unavailable, codes.Internal, codes.Unknown, codes.Aborted:
			return domain.FailureOracleUnavailable
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return domain.FailureInvalidResponse
		}
	}
	return domain.FailureOracleUnavailable
}

func reasonForHTTP(code int, message string) domain.FailureReason {
	switch {
	case code == http.StatusTooManyRequests && mentionsQuota(message):
		return domain.FailureQuotaExhausted
	case code == http.StatusTooManyRequests:
		return domain.FailureRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return domain.FailureTimeout
	case code >= 500:
		return domain.FailureOracleUnavailable
	case code == http.StatusBadRequest:
		return domain.FailureInvalidResponse
	default:
		return domain.FailureOracleUnavailable
	}
}

func mentionsQuota(message string) bool {
	return strings.Contains(strings.ToLower(message), "quota")
}
