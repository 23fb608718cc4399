//go:build !linux

package notify

import (
	"annotd/internal/config"
)

func newPlatformBackend(cfg config.NotifyConfig) (backend, error) {
	return nil, errUnsupported
}
