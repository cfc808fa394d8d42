// Package kerr collects the sentinel errors shared by the core systems
// components. Each sentinel corresponds to one of the failure classes in
// the kernel's error taxonomy; callers match with errors.Is and wrap with
// errors.Wrap to attach call-site context without losing the sentinel.
package kerr

import "github.com/pkg/errors"

// Resource exhaustion.
var (
	ErrNoMemory   = errors.New("no memory available")
	ErrNoSpace    = errors.New("no space left on device")
	ErrSlotsFull  = errors.New("no free command slot")
	ErrOutOfRange = errors.New("out of range")
)

// Invalid argument.
var (
	ErrUnaligned    = errors.New("address not aligned")
	ErrInvalidArg   = errors.New("invalid argument")
	ErrNotDirectory = errors.New("not a directory")
	ErrTooLarge     = errors.New("request too large")
)

// I/O and device errors.
var (
	ErrIO             = errors.New("i/o error")
	ErrNoDevice       = errors.New("no device present")
	ErrNotReady       = errors.New("device not ready")
	ErrTimeout        = errors.New("operation timed out")
	ErrPortHung       = errors.New("port hung")
	ErrTaskFile       = errors.New("task file error")
	ErrInvalidPort    = errors.New("invalid port index")
	ErrUnsupported    = errors.New("unsupported operation")
)

// Filesystem invariant violations and corruption.
var (
	ErrBadSignature = errors.New("bad on-disk signature")
	ErrCorrupt      = errors.New("corruption detected")
	ErrNoEntry      = errors.New("no such entry")
	ErrExists       = errors.New("entry already exists")
	ErrReadOnly     = errors.New("filesystem is read-only")
	ErrNotEmpty     = errors.New("directory not empty")
)

// Wrap attaches a call-site message to a sentinel, preserving it for
// errors.Is / errors.Cause.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
