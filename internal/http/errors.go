package http

import (
	"github.com/danielgtaylor/huma/v2"
)

// apiError renders failures in the same envelope shape as successes:
// {"success": false, "error": "...", "details": [...]}.
type apiError struct {
	status int

	Success bool     `json:"success"`
	Message string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	return e.Message
}

// GetStatus implements huma.StatusError.
func (e *apiError) GetStatus() int {
	return e.status
}

// ContentType keeps error responses plain JSON instead of problem+json.
func (e *apiError) ContentType(string) string {
	return "application/json"
}

func init() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		details := make([]string, 0, len(errs))
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		return &apiError{
			status:  status,
			Message: message,
			Details: details,
		}
	}
}
