package video

import (
	"fmt"
	"net/http"

	"github.com/yourusername/reel-forge/internal/jobs"
)

// APIError は API のエラー応答に変換されるエラーです。
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func invalidRequest(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusBadRequest, Type: jobs.ErrorTypeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(id string) *APIError {
	return &APIError{Status: http.StatusNotFound, Type: jobs.ErrorTypeInvalidRequest, Message: fmt.Sprintf("Video with id '%s' not found.", id)}
}

func expired(id string) *APIError {
	return &APIError{Status: http.StatusNotFound, Type: jobs.ErrorTypeInvalidRequest, Message: fmt.Sprintf("Video with id '%s' has expired and its content is no longer available.", id)}
}

func serverError(msg string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Type: jobs.ErrorTypeServer, Message: msg}
}

// ErrorBody は {"error":{"message","type"}} 形式のレスポンスボディです。
type ErrorBody struct {
	Error jobs.ErrorInfo `json:"error"`
}

// NewErrorBody は ErrorBody を作成します。
func NewErrorBody(message, typ string) ErrorBody {
	return ErrorBody{Error: jobs.ErrorInfo{Message: message, Type: typ}}
}
