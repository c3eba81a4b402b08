package main

import (
	"errors"
	"flag"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
)

const (
	exitFailure     = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitStorage     = 4
	exitPartialSync = 5
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func usageError(err error) error {
	return withExitCode(err, exitUsage)
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitUsage
	}

	switch {
	case cacheerrors.IsCode(err, cacheerrors.ErrCodePartialSync):
		return exitPartialSync
	case cacheerrors.IsCode(err, cacheerrors.ErrCodeNotFound):
		return exitNotFound
	case cacheerrors.IsCode(err, cacheerrors.ErrCodeStorageUnavailable):
		return exitStorage
	case cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidInput),
		cacheerrors.IsCode(err, cacheerrors.ErrCodeConfigInvalid),
		cacheerrors.IsCode(err, cacheerrors.ErrCodeConfigParse):
		return exitUsage
	}
	return exitFailure
}
