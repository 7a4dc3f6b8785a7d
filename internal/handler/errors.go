package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/engine"
	"github.com/stemsi/exstem-simulator/internal/repository"
	"github.com/stemsi/exstem-simulator/internal/response"
)

var errorCodes = []struct {
	err    error
	status int
	code   response.ErrCode
}{
	{engine.ErrEmptyQuestionSet, http.StatusUnprocessableEntity, response.ErrEmptyQuestionSet},
	{engine.ErrUndersizedPool, http.StatusUnprocessableEntity, response.ErrUndersizedPool},
	{engine.ErrMissingTimeLimit, http.StatusUnprocessableEntity, response.ErrMissingTimeLimit},
	{engine.ErrUnevenSessions, http.StatusUnprocessableEntity, response.ErrUnevenSessions},
	{engine.ErrDuplicateQuestion, http.StatusUnprocessableEntity, response.ErrDuplicateQuestion},
	{engine.ErrQuestionsMissing, http.StatusUnprocessableEntity, response.ErrQuestionsMissing},
	{engine.ErrInvalidSessions, http.StatusUnprocessableEntity, response.ErrExamConfig},
	{engine.ErrNotEntitled, http.StatusForbidden, response.ErrNotEntitled},
	{engine.ErrNotOwner, http.StatusForbidden, response.ErrForbidden},
	{engine.ErrSessionClosed, http.StatusConflict, response.ErrSessionClosed},
	{engine.ErrNoActiveSession, http.StatusConflict, response.ErrNoActiveSession},
	{engine.ErrWrongPhase, http.StatusConflict, response.ErrWrongPhase},
	{engine.ErrAlreadyStarted, http.StatusConflict, response.ErrWrongPhase},
	{engine.ErrAttemptAbandoned, http.StatusGone, response.ErrAttemptAbandoned},
	{engine.ErrIndexOutOfRange, http.StatusBadRequest, response.ErrIndexOutOfRange},
	{repository.ErrAttemptNotFound, http.StatusNotFound, response.ErrNotFound},
}

// errorStatus maps a service or engine error to an HTTP status and code.
// Unknown errors are internal.
func errorStatus(err error) (int, response.ErrCode) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	if engine.IsConfigError(err) {
		return http.StatusUnprocessableEntity, response.ErrExamConfig
	}
	return http.StatusInternalServerError, response.ErrInternal
}

func failWithError(c *gin.Context, log zerolog.Logger, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	response.Fail(c, status, code)
}
