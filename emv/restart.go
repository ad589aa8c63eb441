package emv

// RestartConfig decides what the director does after each attempt. It is
// read-only for the lifetime of a Director.
type RestartConfig struct {
	RestartAfterSuccess      bool `yaml:"restart_after_success" mapstructure:"restart_after_success"`
	RestartAfterGeneralError bool `yaml:"restart_after_general_error" mapstructure:"restart_after_general_error"`
	RestartAfterOtherErrors  bool `yaml:"restart_after_other_errors" mapstructure:"restart_after_other_errors"`

	// StopAfterOperation releases the reader when a session ends instead of
	// keeping it connected for the next request.
	StopAfterOperation bool `yaml:"stop_after_operation" mapstructure:"stop_after_operation"`
}

// ShouldRestart decides whether the reader re-arms for another card after an
// attempt ended with err (nil on success) for the given payment method.
// A successful dip never restarts: a chip transaction is conclusive.
// Validation errors and unavailable input fail the same way on every
// attempt, so they always end the session.
func ShouldRestart(err *Error, method PaymentMethod, cfg RestartConfig) bool {
	if err != nil {
		if IsTerminal(err) {
			return false
		}
		if IsGeneral(err) {
			return cfg.RestartAfterGeneralError
		}
		return cfg.RestartAfterOtherErrors
	}
	if method == PaymentMethodSwipe {
		return cfg.RestartAfterSuccess
	}
	return false
}
