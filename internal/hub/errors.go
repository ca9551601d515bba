package hub

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates Hub failures. Callers switch on the kind instead
// of matching concrete error types.
type ErrorKind int

const (
	// KindGeneric covers transport failures and unclassified Hub errors.
	KindGeneric ErrorKind = iota
	// KindNotSubscribed means the appliance has no valid subscription.
	// Never masked by cached data.
	KindNotSubscribed
	// KindInvalidBackup means the Hub explicitly rejected a backup record
	// id. The cached record must be discarded.
	KindInvalidBackup
)

// Error is the tagged-variant Hub error.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotSubscribed:
		return fmt.Sprintf("%s: not subscribed: %s", e.Op, e.Message)
	case KindInvalidBackup:
		return fmt.Sprintf("%s: invalid backup record: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

// IsNotSubscribed reports whether err is a Hub subscription-state error.
func IsNotSubscribed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotSubscribed
}

// IsInvalidBackup reports whether err is an explicit record invalidation.
func IsInvalidBackup(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindInvalidBackup
}
