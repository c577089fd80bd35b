// Package api is the HTTP surface of the platform: the echo server, the
// tenancy and permission gate middleware, and the resource routes.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"flowmatic.io/apperr"
)

// Envelope is the standard success payload.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// ErrorBody is the standard failure payload.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ErrorEnvelope wraps a failure.
type ErrorEnvelope struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// PageMeta is the list-response pagination block.
type PageMeta struct {
	Count       int64       `json:"count"`
	Next        *int        `json:"next"`
	Previous    *int        `json:"previous"`
	PageSize    int         `json:"page_size"`
	TotalPages  int         `json:"total_pages"`
	CurrentPage int         `json:"current_page"`
	Results     interface{} `json:"results"`
}

// Paginate builds the pagination block for a list response.
func Paginate(results interface{}, total int64, page, pageSize int) PageMeta {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	meta := PageMeta{
		Count:       total,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		CurrentPage: page,
		Results:     results,
	}
	if page < totalPages {
		next := page + 1
		meta.Next = &next
	}
	if page > 1 {
		previous := page - 1
		meta.Previous = &previous
	}
	return meta
}

// OK writes a success envelope.
func OK(c echo.Context, code int, data interface{}) error {
	return c.JSON(code, Envelope{Success: true, Data: data})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Fail writes a failure envelope mapped from the error's kind. Internal
// errors stay opaque to the client.
func Fail(c echo.Context, err error) error {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err)
	}

	body := ErrorBody{
		Code:    string(appErr.Kind),
		Message: appErr.Message,
		Details: appErr.Details,
	}
	if appErr.Kind == apperr.KindInternal {
		body.Message = "internal error"
		body.Details = nil
	}
	return c.JSON(statusFor(appErr.Kind), ErrorEnvelope{Success: false, Error: body})
}
