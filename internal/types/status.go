package types

// Status is the per-tab visual state.
type Status string

const (
	StatusOn         Status = "on"
	StatusOff        Status = "off"
	StatusConnecting Status = "connecting"
	StatusError      Status = "error"
)

// StatusSink accepts visual state updates.
type StatusSink interface {
	SetTabStatus(tab TabID, status Status)
	ClearTab(tab TabID)
}
