package broker

const (
	RunStarted  = "run_started"
	RunFinished = "run_finished"
)

// Message is the run event format.
type Message struct {
	EventType string `json:"event_type"`
	Host      string `json:"host"`
	Unit      string `json:"unit"`
	CreatedAt string `json:"created_at"`

	// Set on run_finished.
	Status   string       `json:"status,omitempty"`
	Error    string       `json:"error,omitempty"`
	Duration float64      `json:"duration_seconds,omitempty"`
	Steps    []StepResult `json:"steps,omitempty"`
}

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
