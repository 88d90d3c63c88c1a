package tui

import (
	"fmt"
	"slices"
)

// ViewStatus is the listener status view.
const ViewStatus = "status"

// Run opens the interactive view named view. data must be the payload that
// view expects.
func Run(view string, data any) error {
	switch view {
	case ViewStatus:
		feed, ok := data.(StatusFeed)
		if !ok {
			return fmt.Errorf("status view needs a StatusFeed, got %T", data)
		}
		return RunStatusTUI(feed)
	}
	return fmt.Errorf("TUI mode is not supported for %s", view)
}

// IsTUISupported reports whether view has an interactive form.
func IsTUISupported(view string) bool {
	return slices.Contains(SupportedTUIViews(), view)
}

// SupportedTUIViews lists the views that accept --tui.
func SupportedTUIViews() []string {
	return []string{ViewStatus}
}
