package player

import (
	"errors"
	"fmt"
)

// Kind classifies a playback error. The glue layer uses Kind.String() as the
// notice tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPlayerNotFound
	KindBackendTransient
	KindBackendFatal
	KindPersistence
	KindRecovery
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPlayerNotFound:
		return "player_not_found"
	case KindBackendTransient:
		return "backend_transient"
	case KindBackendFatal:
		return "backend_fatal"
	case KindPersistence:
		return "persistence"
	case KindRecovery:
		return "recovery"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Error is a classified error raised by the playback core.
type Error struct {
	Kind    Kind
	Op      string
	GuildID string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.GuildID != "" {
		msg += " (guild " + e.GuildID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, player.ErrPlayerNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrPlayerNotFound   = &Error{Kind: KindPlayerNotFound}
	ErrBackendTransient = &Error{Kind: KindBackendTransient}
	ErrBackendFatal     = &Error{Kind: KindBackendFatal}
	ErrPersistence      = &Error{Kind: KindPersistence}
	ErrRecovery         = &Error{Kind: KindRecovery}
	ErrConnection       = &Error{Kind: KindConnection}
)

var (
	errAlreadyExists = errors.New("a live player already exists")
	errDestroyed     = errors.New("player destroyed")
	errNotPlaying    = errors.New("nothing is playing")
)

// NewError wraps err with a kind and operation.
func NewError(kind Kind, op, guildID string, err error) *Error {
	return &Error{Kind: kind, Op: op, GuildID: guildID, Err: err}
}

func validationf(op, guildID, format string, args ...interface{}) *Error {
	return NewError(KindValidation, op, guildID, fmt.Errorf(format, args...))
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAlreadyExists reports whether err came from creating a second live player.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, errAlreadyExists)
}
