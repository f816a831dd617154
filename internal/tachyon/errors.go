package tachyon

// Failure reasons carried by failed responses.
const (
	ReasonCommandUnimplemented      = "command_unimplemented"
	ReasonInvalidRequest            = "invalid_request"
	ReasonInternalError             = "internal_error"
	ReasonBattleAlreadyExists       = "battle_already_exists"
	ReasonMaxBattlesReached         = "max_battles_reached"
	ReasonEngineVersionNotAvailable = "engine_version_not_available"
	ReasonStartFailed               = "start_failed"
	ReasonInstallFailed             = "install_failed"
)

// Error is a domain failure that maps to a failed response with the
// given reason. Reasons outside the command's allowed set fold to
// internal_error at dispatch.
type Error struct {
	Reason  string
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Details
}

// Fail builds a domain failure.
func Fail(reason, details string) *Error {
	return &Error{Reason: reason, Details: details}
}
