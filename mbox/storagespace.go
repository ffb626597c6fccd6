package mbox

import (
	"errors"
	"log/slog"
	"syscall"
	"time"

	"github.com/infodancer/mailstore/config"
)

// isStorageSpace returns whether the error is for a storage space issue,
// like a full disk or a reached quota.
func isStorageSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

// storageSpaceRetry is the default write error callback. It waits and
// retries when the disk is full, in the hope that space is freed, and gives
// up on any other error.
func storageSpaceRetry(log *slog.Logger) config.WriteErrorFunc {
	return func(err error, attempt int) bool {
		if !isStorageSpace(err) {
			return false
		}
		log.Error("no storage space for mailbox rewrite, waiting", slog.Int("attempt", attempt), slog.Any("err", err))
		time.Sleep(time.Duration(attempt) * time.Second)
		return true
	}
}
