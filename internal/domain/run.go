package domain

// RunResult is the single terminal message a run delivers to each sender,
// for success and failure alike.
type RunResult struct {
	OK      bool       `json:"ok"`
	CallID  string     `json:"callId"`
	Outputs Values     `json:"outputs,omitempty"`
	Error   *NodeError `json:"error,omitempty"`
}

const CallIDPrefix = "call_"
