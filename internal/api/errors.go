package api

import (
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/sys/unix"

	"github.com/smazurov/vcapd/internal/vdev"
)

// statusError maps a driver or backend error to an HTTP error. The host
// status (a negative errno) is kept in the detail message.
func statusError(err error) error {
	status := vdev.Status(err)
	msg := fmt.Sprintf("%v (status %d)", err, status)

	switch vdev.CodeOf(err) {
	case vdev.CodeNotFound:
		return huma.Error404NotFound(msg)
	case vdev.CodeAlreadyExists, vdev.CodeBusy, vdev.CodeInvalidState:
		return huma.Error409Conflict(msg)
	case vdev.CodeOutOfResources:
		return huma.Error503ServiceUnavailable(msg)
	case vdev.CodeUnsupported:
		return huma.Error501NotImplemented(msg)
	case vdev.CodeRegistrationFailed, vdev.CodePublishFailed:
		return huma.Error500InternalServerError(msg)
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EINVAL, unix.ERANGE:
			return huma.Error422UnprocessableEntity(msg)
		case unix.EBUSY:
			return huma.Error409Conflict(msg)
		case unix.ENOMEM:
			return huma.Error503ServiceUnavailable(msg)
		case unix.EBADF, unix.ENOENT:
			return huma.Error404NotFound(msg)
		}
	}
	return huma.Error500InternalServerError(msg)
}
