package warden

import (
	"errors"
	"net/http"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/preload"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/purge"
)

// Sentinel errors surfaced by the engine, re-exported for callers that only
// import warden.
var (
	ErrInvalidInput       = purge.ErrInvalidInput
	ErrPermission         = purge.ErrPermission
	ErrDirectoryTraversal = purge.ErrDirectoryTraversal
	ErrDirectoryNotFound  = purge.ErrDirectoryNotFound
	ErrEmptyDirectory     = purge.ErrEmptyDirectory
	ErrAlreadyRunning     = preload.ErrAlreadyRunning
	ErrSpawnFailed        = preload.ErrSpawnFailed
)

// Outcome codes that are not sentinel errors.
const (
	CodeOK             = "ok"
	CodeNotFound       = "not_found"
	CodePreloadRunning = "preload_running"
	CodeUnknown        = "unknown"
)

var sentinels = []error{
	ErrInvalidInput,
	ErrPermission,
	ErrDirectoryTraversal,
	ErrDirectoryNotFound,
	ErrEmptyDirectory,
	ErrAlreadyRunning,
	ErrSpawnFailed,
}

// Code names err by the sentinel it wraps.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return CodeUnknown
}

// HTTPStatus maps an outcome code to a response status.
func HTTPStatus(code string) int {
	switch code {
	case ErrAlreadyRunning.Error():
		return http.StatusConflict
	case ErrInvalidInput.Error():
		return http.StatusBadRequest
	case ErrPermission.Error(), ErrDirectoryTraversal.Error(), ErrDirectoryNotFound.Error(),
		ErrSpawnFailed.Error(), CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
