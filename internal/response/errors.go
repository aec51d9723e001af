package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrProctorAccessOnly ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Assessment sessions ───────────────────────────────────────────
	ErrAssessmentNotAvailable ErrCode = "ASSESSMENT_NOT_AVAILABLE"
	ErrAttemptsExhausted      ErrCode = "ATTEMPTS_EXHAUSTED"
	ErrSessionNotFound        ErrCode = "SESSION_NOT_FOUND"
	ErrInvalidSessionState    ErrCode = "INVALID_SESSION_STATE"
	ErrSessionExpired         ErrCode = "SESSION_EXPIRED"
	ErrSessionTerminated      ErrCode = "SESSION_TERMINATED"
	ErrIncompleteSubmission   ErrCode = "INCOMPLETE_SUBMISSION"
	ErrAccessDenied           ErrCode = "ACCESS_DENIED"
	ErrInvalidQuestion        ErrCode = "INVALID_QUESTION"
	ErrAnswerLocked           ErrCode = "ANSWER_LOCKED"
	ErrNavigationLocked       ErrCode = "NAVIGATION_LOCKED"
	ErrInvalidSecurityEvent   ErrCode = "INVALID_SECURITY_EVENT"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal           ErrCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

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
	case ErrConflict:
		return "Data sedang diubah oleh permintaan lain. Silakan coba lagi."

	// ─── Assessment sessions ───────────────────────────────────────────
	case ErrAssessmentNotAvailable:
		return "Ujian ini saat ini tidak tersedia."
	case ErrAttemptsExhausted:
		return "Batas percobaan ujian sudah tercapai."
	case ErrSessionNotFound:
		return "Sesi ujian tidak ditemukan."
	case ErrInvalidSessionState:
		return "Tindakan ini tidak diperbolehkan pada status sesi saat ini."
	case ErrSessionExpired:
		return "Waktu ujian telah habis."
	case ErrSessionTerminated:
		return "Sesi ujian telah dihentikan."
	case ErrIncompleteSubmission:
		return "Semua soal harus dijawab sebelum mengumpulkan."
	case ErrAccessDenied:
		return "Akses ke sesi ujian ini ditolak."
	case ErrInvalidQuestion:
		return "Soal tidak termasuk dalam sesi ini."
	case ErrAnswerLocked:
		return "Jawaban sudah dikunci dan tidak dapat diubah."
	case ErrNavigationLocked:
		return "Kembali ke soal sebelumnya tidak diperbolehkan."
	case ErrInvalidSecurityEvent:
		return "Laporan kejadian keamanan tidak valid."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	case ErrServiceUnavailable:
		return "Layanan sedang tidak tersedia."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
