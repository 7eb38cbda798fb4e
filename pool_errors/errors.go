/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package pool_errors defines the error taxonomy shared by every pool
// subsystem.  A CacheError carries both a Kind, used by callers to decide
// how to react, and a numeric result code which is reported to doors,
// billing and the pool manager.
package pool_errors

import (
	"fmt"

	"github.com/pkg/errors"
)

type (
	Kind int

	CacheError struct {
		Kind  Kind
		Code  int
		Msg   string
		cause error
	}
)

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindAlreadyExists
	KindIllegalTransition
	KindIllegalArgument
	KindIOFailure
	KindCommunicationFailure
	KindChecksumMismatch
	KindTimeout
	KindInterrupted
	KindInvocationFailure
	KindPoolDisabled
	KindLocked
	KindFileCorrupted
	// Refinements of KindNotFound
	KindNotInTrash
	KindFileNotInCache
)

const (
	CodeOK                   = 0
	CodeTimeout              = 1
	CodeIO                   = 2
	CodeIllegalArgument      = 4
	CodeHsmFailedMin         = 30
	CodeFetchDequeued        = 33
	CodeMoverKilled          = 37
	CodeHsmFailedMax         = 39
	CodeStoreDequeued        = 44
	CodeHsmDelay             = 71
	CodePoolDisabled         = 104
	CodeErrorIODisk          = 204
	CodeDefault              = 666
	CodeChecksumMismatch     = 1009
	CodeChecksumFailed       = 1010
	CodeFileNotFound         = 10001
	CodeUnexpected           = 10006
	CodeFileExists           = 10010
	CodeFileNotInRepository  = 10011
	CodeFileInCache          = 10012
	CodeNotInTrash           = 10013
	CodeInvalidArgs          = 10017
	CodeLocked               = 10018
	CodeFileCorrupted        = 10019
	CodeCommunication        = 10020
	CodeInterrupted          = 10021
	CodeIllegalTransition    = 10022
	CodeInvocationFailure    = 10023
	CodeTimeoutCommunication = 10024
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindIllegalTransition:
		return "IllegalTransition"
	case KindIllegalArgument:
		return "IllegalArgument"
	case KindIOFailure:
		return "IOFailure"
	case KindCommunicationFailure:
		return "CommunicationFailure"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindTimeout:
		return "Timeout"
	case KindInterrupted:
		return "Interrupted"
	case KindInvocationFailure:
		return "InvocationFailure"
	case KindPoolDisabled:
		return "PoolDisabled"
	case KindLocked:
		return "Locked"
	case KindFileCorrupted:
		return "FileCorrupted"
	case KindNotInTrash:
		return "NotInTrash"
	case KindFileNotInCache:
		return "FileNotInCache"
	}
	return "UnexpectedFailure"
}

// Is reports whether k is target or a refinement of target.
func (k Kind) Is(target Kind) bool {
	if k == target {
		return true
	}
	if target == KindNotFound {
		return k == KindNotInTrash || k == KindFileNotInCache
	}
	return false
}

func (e *CacheError) Error() string {
	if e.cause == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.cause.Error()
	}
	return e.Msg + ": " + e.cause.Error()
}

func (e *CacheError) Unwrap() error {
	return e.cause
}

func (e *CacheError) Cause() error {
	return e.cause
}

func New(kind Kind, code int, msg string) *CacheError {
	return &CacheError{Kind: kind, Code: code, Msg: msg}
}

func Newf(kind Kind, code int, format string, args ...interface{}) *CacheError {
	return &CacheError{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and result code to an existing error.  A nil err
// yields nil so it can be used on the return path unconditionally.
func Wrap(err error, kind Kind, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CacheError{Kind: kind, Code: code, Msg: msg, cause: err}
}

func Wrapf(err error, kind Kind, code int, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &CacheError{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...), cause: err}
}

// As returns the outermost CacheError in err's chain, or nil.
func As(err error) *CacheError {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// KindOf returns the kind of the outermost CacheError in the chain.  Errors
// which never went through the taxonomy are unexpected by definition.
func KindOf(err error) Kind {
	if ce := As(err); ce != nil {
		return ce.Kind
	}
	return KindUnexpected
}

func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Is(kind)
}

// CodeOf returns the result code to report for err; 0 for nil.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	if ce := As(err); ce != nil {
		return ce.Code
	}
	return CodeDefault
}

// Message returns the user facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func NotFound(format string, args ...interface{}) error {
	return Newf(KindNotFound, CodeFileNotFound, format, args...)
}

func FileNotInCache(id fmt.Stringer) error {
	return Newf(KindFileNotInCache, CodeFileNotInRepository, "Entry not in repository: %s", id)
}

func NotInTrash(id fmt.Stringer) error {
	return Newf(KindNotInTrash, CodeNotInTrash, "Entry has been removed: %s", id)
}

func AlreadyExists(id fmt.Stringer) error {
	return Newf(KindAlreadyExists, CodeFileExists, "Entry already exists: %s", id)
}

func IllegalTransition(id fmt.Stringer, from, to fmt.Stringer) error {
	return Newf(KindIllegalTransition, CodeIllegalTransition, "Illegal state transition for %s: %s -> %s", id, from, to)
}

func IllegalArgument(format string, args ...interface{}) error {
	return Newf(KindIllegalArgument, CodeInvalidArgs, format, args...)
}

func IOFailure(err error, format string, args ...interface{}) error {
	if err == nil {
		return Newf(KindIOFailure, CodeErrorIODisk, format, args...)
	}
	return Wrapf(err, KindIOFailure, CodeErrorIODisk, format, args...)
}

func CommunicationFailure(err error, format string, args ...interface{}) error {
	if err == nil {
		return Newf(KindCommunicationFailure, CodeCommunication, format, args...)
	}
	return Wrapf(err, KindCommunicationFailure, CodeCommunication, format, args...)
}

func ChecksumMismatch(expected, actual fmt.Stringer) error {
	return Newf(KindChecksumMismatch, CodeChecksumMismatch, "Checksum mismatch (expected=%s, actual=%s)", expected, actual)
}

func Timeout(format string, args ...interface{}) error {
	return Newf(KindTimeout, CodeTimeout, format, args...)
}

func Interrupted(err error, msg string) error {
	if err == nil {
		return New(KindInterrupted, CodeInterrupted, msg)
	}
	return Wrap(err, KindInterrupted, CodeInterrupted, msg)
}

func Unexpected(err error, msg string) error {
	if err == nil {
		return New(KindUnexpected, CodeUnexpected, msg)
	}
	return Wrap(err, KindUnexpected, CodeUnexpected, msg)
}

func PoolDisabled(msg string) error {
	return New(KindPoolDisabled, CodePoolDisabled, msg)
}

func Locked(id fmt.Stringer) error {
	return Newf(KindLocked, CodeLocked, "Entry is in use: %s", id)
}

func FileCorrupted(id fmt.Stringer) error {
	return Newf(KindFileCorrupted, CodeFileCorrupted, "Replica is broken: %s", id)
}

func InvocationFailure(err error, msg string) error {
	return Wrap(err, KindInvocationFailure, CodeInvocationFailure, msg)
}

// FromCode rebuilds an error from a result code received in a reply.
func FromCode(code int, msg string) error {
	if code == CodeOK {
		return nil
	}
	var kind Kind
	switch {
	case code == CodeFileNotFound:
		kind = KindNotFound
	case code == CodeNotInTrash:
		kind = KindNotInTrash
	case code == CodeFileNotInRepository:
		kind = KindFileNotInCache
	case code == CodeFileExists || code == CodeFileInCache:
		kind = KindAlreadyExists
	case code == CodeIllegalTransition:
		kind = KindIllegalTransition
	case code == CodeInvalidArgs || code == CodeIllegalArgument:
		kind = KindIllegalArgument
	case code == CodeErrorIODisk || code == CodeIO:
		kind = KindIOFailure
	case code == CodeCommunication || code == CodeTimeoutCommunication:
		kind = KindCommunicationFailure
	case code == CodeChecksumMismatch:
		kind = KindChecksumMismatch
	case code == CodeTimeout:
		kind = KindTimeout
	case code == CodeInterrupted:
		kind = KindInterrupted
	case code == CodeInvocationFailure:
		kind = KindInvocationFailure
	case code == CodePoolDisabled:
		kind = KindPoolDisabled
	case code == CodeLocked:
		kind = KindLocked
	case code == CodeFileCorrupted:
		kind = KindFileCorrupted
	default:
		kind = KindUnexpected
	}
	if msg == "" {
		msg = fmt.Sprintf("request failed with code %d", code)
	}
	return New(kind, code, msg)
}
