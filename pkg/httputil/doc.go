// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, and common HTTP middleware used by the audit API.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, page)
//
// Error responses:
//
//	httputil.WriteError(w, http.StatusBadRequest, err)
//	httputil.WriteBadRequest(w, "invalid cursor")
//	httputil.WriteNotFoundError(w, "entry not found")
//
// # Request Parsing
//
// Path parameters:
//
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//
// Query parameters:
//
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	from, err := httputil.ParseQueryTime(r, "from")
//
// # Middleware
//
//	router.Use(httputil.RecoveryMiddleware, httputil.RequestIDMiddleware)
//
// # Related Packages
//
//   - pkg/audit: API handlers built on these helpers
package httputil
