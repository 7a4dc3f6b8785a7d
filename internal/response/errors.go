package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden   ErrCode = "FORBIDDEN"
	ErrNotEntitled ErrCode = "NOT_ENTITLED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam configuration ────────────────────────────────────────────
	ErrEmptyQuestionSet  ErrCode = "EMPTY_QUESTION_SET"
	ErrUndersizedPool    ErrCode = "UNDERSIZED_POOL"
	ErrMissingTimeLimit  ErrCode = "MISSING_TIME_LIMIT"
	ErrUnevenSessions    ErrCode = "UNEVEN_SESSIONS"
	ErrDuplicateQuestion ErrCode = "DUPLICATE_QUESTION"
	ErrQuestionsMissing  ErrCode = "QUESTIONS_MISSING"
	ErrExamConfig        ErrCode = "EXAM_CONFIG_INVALID"

	// ─── Exam run ──────────────────────────────────────────────────────
	ErrSessionClosed    ErrCode = "SESSION_CLOSED"
	ErrNoActiveSession  ErrCode = "NO_ACTIVE_SESSION"
	ErrIndexOutOfRange  ErrCode = "INDEX_OUT_OF_RANGE"
	ErrWrongPhase       ErrCode = "WRONG_PHASE"
	ErrAttemptAbandoned ErrCode = "ATTEMPT_ABANDONED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrNotEntitled:
		return "Kuota simulasi ujian Anda sudah habis."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Exam configuration ────────────────────────────────────────────
	case ErrEmptyQuestionSet:
		return "Ujian ini tidak memiliki pertanyaan."
	case ErrUndersizedPool:
		return "Jumlah pertanyaan kurang dari batas minimum."
	case ErrMissingTimeLimit:
		return "Batas waktu sesi belum diatur."
	case ErrUnevenSessions:
		return "Pertanyaan tidak dapat dibagi rata ke setiap sesi."
	case ErrDuplicateQuestion:
		return "Pertanyaan yang sama muncul lebih dari sekali."
	case ErrQuestionsMissing:
		return "Sebagian pertanyaan tidak ditemukan."
	case ErrExamConfig:
		return "Konfigurasi ujian tidak valid."

	// ─── Exam run ──────────────────────────────────────────────────────
	case ErrSessionClosed:
		return "Sesi ini sudah selesai."
	case ErrNoActiveSession:
		return "Tidak ada sesi yang sedang berjalan."
	case ErrIndexOutOfRange:
		return "Nomor soal di luar jangkauan."
	case ErrWrongPhase:
		return "Tindakan ini tidak tersedia pada tahap ujian saat ini."
	case ErrAttemptAbandoned:
		return "Ujian ini sudah dibatalkan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
