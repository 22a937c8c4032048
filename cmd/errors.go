package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"snapvault/internal/backup"
	"snapvault/internal/confirmation"
	apperrors "snapvault/internal/errors"
)

// Exit codes. Scripts can tell bad input from a failed backup.
const (
	exitFailure   = 1
	exitUsage     = 2
	exitNotFound  = 3
	exitIntegrity = 4
	exitTransient = 5
	exitCancelled = 130
)

// describeError renders err for the terminal: the failed pipeline step
// first, then the message, then any hints carried in the error context.
func describeError(err error) string {
	var b strings.Builder
	if step := backup.FailedStep(err); step != "" {
		fmt.Fprintf(&b, "[%s] ", step)
	}
	b.WriteString(apperrors.FormatUserError(err))

	var be *backup.BackupError
	if errors.As(err, &be) && len(be.Context) > 0 {
		keys := make([]string, 0, len(be.Context))
		for k := range be.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n  %s: %v", k, be.Context[k])
		}
	}
	return b.String()
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, confirmation.ErrInterrupted),
		backup.IsType(err, backup.BackupErrorTypeCancelled):
		return exitCancelled
	case backup.IsType(err, backup.BackupErrorTypeValidation),
		backup.IsType(err, backup.BackupErrorTypeConfiguration):
		return exitUsage
	case backup.IsType(err, backup.BackupErrorTypeNotFound):
		return exitNotFound
	case backup.IsType(err, backup.BackupErrorTypeIntegrity),
		backup.IsType(err, backup.BackupErrorTypeAuthentication):
		return exitIntegrity
	case backup.IsTransient(err):
		return exitTransient
	}
	return exitFailure
}
