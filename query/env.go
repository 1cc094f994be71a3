package query

// VisibilitySource reports whether the process/page is currently visible.
// A nil source degrades to "always visible", so interval
// revalidation always ticks.
type VisibilitySource interface {
	Visible() bool
}

// FocusSource lets a Context subscribe to focus-regained events, used to
// fan revalidation out to every active store with RevalidateOnFocus set.
type FocusSource interface {
	OnFocus(listener func()) (unsubscribe func())
}

// OnlineSource lets a Context subscribe to reconnect events, used to fan
// revalidation out to every active store with RevalidateOnReconnect set.
type OnlineSource interface {
	OnReconnect(listener func()) (unsubscribe func())
}

// alwaysVisibleNeverReconnects is the default used when no environment
// signals are supplied (a non-browser environment degrades to
// always visible, never reconnects").
type alwaysVisibleNeverReconnects struct{}

func (alwaysVisibleNeverReconnects) Visible() bool { return true }
func (alwaysVisibleNeverReconnects) OnFocus(func()) (unsubscribe func()) {
	return func() {}
}
func (alwaysVisibleNeverReconnects) OnReconnect(func()) (unsubscribe func()) {
	return func() {}
}

var defaultEnv = alwaysVisibleNeverReconnects{}
