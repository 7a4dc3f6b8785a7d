package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/engine"
	"github.com/stemsi/exstem-simulator/internal/middleware"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/response"
	"github.com/stemsi/exstem-simulator/internal/service"
	"github.com/stemsi/exstem-simulator/internal/validator"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// SimulatorHandler exposes the exam simulator over REST.
type SimulatorHandler struct {
	simulator *service.SimulatorService
	log       zerolog.Logger
}

// NewSimulatorHandler creates a new SimulatorHandler.
func NewSimulatorHandler(simulator *service.SimulatorService, log zerolog.Logger) *SimulatorHandler {
	return &SimulatorHandler{
		simulator: simulator,
		log:       log.With().Str("component", "simulator_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/simulator/exams
// Validates the exam configuration, records the attempt and starts session 1.
func (h *SimulatorHandler) StartExam(c *gin.Context) {
	user, ok := middleware.GetSessionContext(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.simulator.Start(c.Request.Context(), user, &req)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, snap)
}

// ListExams godoc
// GET /api/v1/simulator/exams?limit=20
// Returns the caller's attempts, newest first.
func (h *SimulatorHandler) ListExams(c *gin.Context) {
	user, ok := middleware.GetSessionContext(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
				map[string]string{"limit": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := h.simulator.History(c.Request.Context(), user, limit)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": history})
}

// GetActiveExam godoc
// GET /api/v1/simulator/exams/active
// Returns the exam the caller is running, so a new tab can pick it up.
func (h *SimulatorHandler) GetActiveExam(c *gin.Context) {
	user, ok := middleware.GetSessionContext(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	snap, active, err := h.simulator.Active(c.Request.Context(), user)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}
	if !active {
		response.Success(c, http.StatusOK, gin.H{"exam": nil})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": snap})
}

// GetExam godoc
// GET /api/v1/simulator/exams/:attempt_id
// Returns the current state. This also covers page reloads: an attempt that
// is not held in memory is resumed from storage.
func (h *SimulatorHandler) GetExam(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		return ctrl.Snapshot(), nil
	})
}

// ResumeExam godoc
// POST /api/v1/simulator/exams/:attempt_id/resume
func (h *SimulatorHandler) ResumeExam(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		snap := ctrl.Snapshot()
		h.log.Info().Str("attempt_id", snap.AttemptID.String()).Str("phase", string(snap.Phase)).Msg("Exam resumed by candidate")
		return snap, nil
	})
}

// SelectAnswer godoc
// POST /api/v1/simulator/exams/:attempt_id/answer
func (h *SimulatorHandler) SelectAnswer(c *gin.Context) {
	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	letter, err := model.ParseLetter(req.Answer)
	if err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"answer": err.Error()})
		return
	}

	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		if err := ctrl.SelectAnswer(letter); err != nil {
			return nil, err
		}
		return ctrl.Snapshot(), nil
	})
}

// NextQuestion godoc
// POST /api/v1/simulator/exams/:attempt_id/next
func (h *SimulatorHandler) NextQuestion(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		if err := ctrl.Next(); err != nil {
			return nil, err
		}
		return ctrl.Snapshot(), nil
	})
}

// PreviousQuestion godoc
// POST /api/v1/simulator/exams/:attempt_id/previous
func (h *SimulatorHandler) PreviousQuestion(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		if err := ctrl.Previous(); err != nil {
			return nil, err
		}
		return ctrl.Snapshot(), nil
	})
}

// JumpToQuestion godoc
// POST /api/v1/simulator/exams/:attempt_id/jump
func (h *SimulatorHandler) JumpToQuestion(c *gin.Context) {
	var req model.JumpRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		if err := ctrl.JumpTo(*req.Index); err != nil {
			return nil, err
		}
		return ctrl.Snapshot(), nil
	})
}

// ToggleFlag godoc
// POST /api/v1/simulator/exams/:attempt_id/flag
func (h *SimulatorHandler) ToggleFlag(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		flagged, err := ctrl.ToggleFlag()
		if err != nil {
			return nil, err
		}
		return gin.H{"flagged": flagged, "exam": ctrl.Snapshot()}, nil
	})
}

// FinishSession godoc
// POST /api/v1/simulator/exams/:attempt_id/finish
// Ends the running session early.
func (h *SimulatorHandler) FinishSession(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		result, err := ctrl.FinishSession()
		if err != nil {
			return nil, err
		}
		return gin.H{"session": result, "exam": ctrl.Snapshot()}, nil
	})
}

// ContinueExam godoc
// POST /api/v1/simulator/exams/:attempt_id/continue
// Leaves the break and starts session 2.
func (h *SimulatorHandler) ContinueExam(c *gin.Context) {
	user, attemptID, ok := h.params(c)
	if !ok {
		return
	}

	snap, err := h.simulator.Continue(c.Request.Context(), user, attemptID)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// AbandonExam godoc
// POST /api/v1/simulator/exams/:attempt_id/abandon
func (h *SimulatorHandler) AbandonExam(c *gin.Context) {
	user, attemptID, ok := h.params(c)
	if !ok {
		return
	}

	if err := h.simulator.Abandon(c.Request.Context(), user, attemptID); err != nil {
		failWithError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "abandoned"})
}

// GetResults godoc
// GET /api/v1/simulator/exams/:attempt_id/results
func (h *SimulatorHandler) GetResults(c *gin.Context) {
	h.withExam(c, func(ctrl *engine.ExamSessionController) (any, error) {
		results, err := ctrl.Results()
		if err != nil {
			return nil, err
		}
		return results, nil
	})
}

// GetReview godoc
// GET /api/v1/simulator/exams/:attempt_id/review
// Returns every question with its key, explanation and the candidate's answer.
func (h *SimulatorHandler) GetReview(c *gin.Context) {
	user, attemptID, ok := h.params(c)
	if !ok {
		return
	}

	review, err := h.simulator.Review(c.Request.Context(), user, attemptID)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, review)
}

// params reads the caller and the attempt id, writing the error response
// itself when either is missing.
func (h *SimulatorHandler) params(c *gin.Context) (model.SessionContext, uuid.UUID, bool) {
	user, ok := middleware.GetSessionContext(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return model.SessionContext{}, uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return model.SessionContext{}, uuid.Nil, false
	}
	return user, attemptID, true
}

func (h *SimulatorHandler) withExam(c *gin.Context, fn func(*engine.ExamSessionController) (any, error)) {
	user, attemptID, ok := h.params(c)
	if !ok {
		return
	}

	ctrl, err := h.simulator.Get(c.Request.Context(), user, attemptID)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	data, err := fn(ctrl)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, data)
}
