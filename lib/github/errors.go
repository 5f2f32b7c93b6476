// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode       int
	Message          string
	DocumentationURL string

	// Errors holds field-level failures from 422 responses.
	Errors []ValidationError
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (err *APIError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "github: HTTP %d: %s", err.StatusCode, err.Message)
	for _, validationError := range err.Errors {
		detail := validationError.Message
		if detail == "" {
			detail = validationError.Code
		}
		fmt.Fprintf(&builder, "; %s.%s: %s", validationError.Resource, validationError.Field, detail)
	}
	return builder.String()
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 404
}

// IsAlreadyExists reports whether err is the 422 GitHub returns when
// creating a repository whose name is taken.
func IsAlreadyExists(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != 422 {
		return false
	}
	for _, validationError := range apiError.Errors {
		if validationError.Code == "already_exists" || strings.Contains(validationError.Message, "already exists") {
			return true
		}
	}
	return strings.Contains(apiError.Message, "already exists")
}

// IsRateLimited reports whether err is a primary (403) or secondary
// (429) rate limit response.
func IsRateLimited(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	if apiError.StatusCode == 429 {
		return true
	}
	lower := strings.ToLower(apiError.Message)
	return apiError.StatusCode == 403 &&
		(strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection"))
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}
	var wire struct {
		Message          string            `json:"message"`
		DocumentationURL string            `json:"documentation_url"`
		Errors           []ValidationError `json:"errors"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiError.Message = wire.Message
		apiError.DocumentationURL = wire.DocumentationURL
		apiError.Errors = wire.Errors
	} else {
		apiError.Message = string(body)
	}
	return apiError
}
