package types

// Status is the live state of one session. Every resource field is either 0
// (absent) or the number currently held by a running process.
type Status struct {
	SessionID string `json:"sid"`
	Server    string `json:"sv"`
	Display   int    `json:"display"`
	Bridge    int    `json:"bridge"`
	Browser   int    `json:"browser"`
	Task      int    `json:"task"`
}

// Ready reports whether display, bridge and browser are all up.
func (s Status) Ready() bool {
	return s.Display > 0 && s.Bridge > 0 && s.Browser > 0
}

// TaskRunning reports whether a task occupies the session's task slot.
func (s Status) TaskRunning() bool {
	return s.Task == 1
}
