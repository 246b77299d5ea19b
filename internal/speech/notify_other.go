//go:build !linux

package speech

import (
	"context"
	"fmt"
)

// DesktopNotification is only implemented on Linux
type DesktopNotification struct{}

func (DesktopNotification) Name() string { return "desktop-notification" }

func (DesktopNotification) Play(ctx context.Context, text string) error {
	return fmt.Errorf("%w: desktop notifications are only supported on linux", ErrUnavailable)
}
