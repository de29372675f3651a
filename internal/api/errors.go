// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Errors []errs.Detail `json:"errors"`
}

func abortWith(c *gin.Context, status int, source string, message string) {
	c.AbortWithStatusJSON(status, errorBody{Errors: []errs.Detail{{Code: status, Message: message, Source: source}}})
}

// respondError maps a service error to its status code.
func respondError(c *gin.Context, err error) {
	var v *errs.ValidationError
	switch {
	case errors.As(err, &v):
		c.AbortWithStatusJSON(v.Status, errorBody{Errors: v.Details})
	case errors.Is(err, errs.ErrNotFound):
		abortWith(c, http.StatusNotFound, "id", "video not found")
	case errors.Is(err, errs.ErrDuplicate):
		abortWith(c, http.StatusConflict, "file", "video already exists")
	default:
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		abortWith(c, http.StatusInternalServerError, "", "internal error")
	}
}
