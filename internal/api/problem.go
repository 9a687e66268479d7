package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/clearledger/syncd/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://clearledger.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusForbidden: {
		typeURI: "https://clearledger.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusBadRequest: {
		typeURI: "https://clearledger.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://clearledger.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://clearledger.dev/errors/validation-failed",
		title:   "Validation Failed",
	},
	http.StatusInternalServerError: {
		typeURI: "https://clearledger.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// ProblemWithErrors is a Problem response carrying field-level errors.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, statusCode int, detail string) {
	pt, ok := problemTypes[statusCode]
	if !ok {
		pt.typeURI = "https://clearledger.dev/errors/unknown"
		pt.title = http.StatusText(statusCode)
	}

	problem := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   statusCode,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}
