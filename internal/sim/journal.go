package sim

// ResyncReason names one cause behind a resync request.
type ResyncReason struct {
	Kind     string `json:"kind,omitempty"`
	Timeline string `json:"timeline,omitempty"`
	Tick     uint64 `json:"tick,omitempty"`
	Peer     string `json:"peer,omitempty"`
}

// ResyncSignal asks the host to rehydrate peers from the latest keyframe.
type ResyncSignal struct {
	Mismatches uint64         `json:"mismatches,omitempty"`
	Checks     uint64         `json:"checks,omitempty"`
	Reasons    []ResyncReason `json:"reasons,omitempty"`
}
