package session

import "errors"

var (
	// ErrConflict: the user already holds a session in starting or running.
	ErrConflict = errors.New("active_session_exists")
	// ErrNotFound: no session with that id.
	ErrNotFound = errors.New("session_not_found")
	// ErrLabNotFound: the referenced lab does not exist.
	ErrLabNotFound = errors.New("lab_not_found")
	// ErrExpired: the session is past its expiry or not running.
	ErrExpired = errors.New("session_expired")
	// ErrAlreadySubmitted: that flag type was already submitted correctly.
	ErrAlreadySubmitted = errors.New("flag_already_submitted")
	// ErrExtensionLimit: the extension counter reached its cap.
	ErrExtensionLimit = errors.New("extension_limit_reached")
	// ErrCapacity: the controller is at its concurrent session cap.
	ErrCapacity = errors.New("capacity_full")
	// ErrInvalidFlagType: flag type is neither user nor root.
	ErrInvalidFlagType = errors.New("invalid_flag_type")
	// ErrInvalidState: the operation does not apply in the session's state.
	ErrInvalidState = errors.New("invalid_state")
)
