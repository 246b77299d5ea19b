//go:build linux

package speech

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// DesktopNotification shows the text as a freedesktop notification
type DesktopNotification struct{}

func (DesktopNotification) Name() string { return "desktop-notification" }

func (DesktopNotification) Play(ctx context.Context, text string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("%w: no session bus: %v", ErrUnavailable, err)
	}

	obj := conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.CallWithContext(ctx, "org.freedesktop.Notifications.Notify", 0,
		"ttsrelay",                // app_name
		uint32(0),                 // replaces_id
		"",                        // app_icon
		"Agent notification",      // summary
		text,                      // body
		[]string{},                // actions
		map[string]dbus.Variant{}, // hints
		int32(5000),               // expire_timeout (ms)
	)
	if call.Err != nil {
		return fmt.Errorf("desktop notification failed: %w", call.Err)
	}
	return nil
}
