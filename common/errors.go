package common

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/quarry-labs/quarry/logger"
)

func NewQuarryErrorf(errorCode ErrCode, msgFormat string, args ...interface{}) QuarryError {
	msg := fmt.Sprintf(msgFormat, args...)
	return NewQuarryError(errorCode, msg)
}

func NewQuarryError(errorCode ErrCode, msg string) QuarryError {
	return QuarryError{Code: errorCode, Msg: msg}
}

func NewInternalError(err error) QuarryError {
	// With an internal error we log the original error with a reference and we only pass the reference back to the
	// client, as we don't want to expose server internals to clients
	ref := fmt.Sprintf("quarry-internal-err-reference-%s", uuid.New().String())
	log.Errorf("internal error with reference %s: %v", ref, err)
	return NewQuarryErrorf(InternalError, "an internal error has occurred - please search server logs for reference: %s", ref)
}

// AsQuarryError unwraps err into target, returning true if err is (or wraps) a QuarryError.
func AsQuarryError(err error, target *QuarryError) bool {
	return errors.As(err, target)
}

func IsQuarryErrorWithCode(err error, code ErrCode) bool {
	var perr QuarryError
	if errors.As(err, &perr) {
		if perr.Code == code {
			return true
		}
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsQuarryErrorWithCode(err, Unavailable)
}

// IsFetchCancelledError returns true if the error is the distinguished cause used when a dictionary download is
// cancelled because its version was retired or the service stopped.
func IsFetchCancelledError(err error) bool {
	return IsQuarryErrorWithCode(err, FetchCancelled) || IsQuarryErrorWithCode(err, ShutdownError)
}

type QuarryError struct {
	Code ErrCode
	Msg  string
}

func (u QuarryError) Error() string {
	return u.Msg
}

type ErrCode int

const (
	// Failure kinds for dictionary fetches against storage nodes. All of these are transient - the retrieval
	// service retries them until the version is retired.
	NoReplicaAvailable ErrCode = iota + 1000
	FetchHttpError
	FetchBadResponse
	FetchTimeout
	FetchTransportError
	Unavailable ErrCode = iota + 2000
	ConnectionError
	ShutdownError
	FetchCancelled
	WarmupFailed
	InvalidTopicName
	InvalidConfiguration ErrCode = iota + 3000
	InternalError        ErrCode = iota + 5000
)
