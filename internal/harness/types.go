package harness

// TraceEvent records one step of a scenario run.
// Step 0 opens the interest; the last event closes it.
type TraceEvent struct {
	Step          int                 `json:"step"`
	Action        string              `json:"action"`
	Notifications []NotificationTrace `json:"notifications,omitempty"`
	// Page holds the primary page ids after the step; nil once closed.
	Page    []string      `json:"page,omitempty"`
	More    bool          `json:"more,omitempty"`
	Results []ResultTrace `json:"results,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// NotificationTrace is one delivered notification.
type NotificationTrace struct {
	Kind    string   `json:"kind"`
	Changes []string `json:"changes,omitempty"`
}

// ResultTrace is the rendered value of one non-primary projection.
type ResultTrace struct {
	Path       string `json:"path"`
	Projection string `json:"projection"`
	Value      string `json:"value"`
}

// Changes returns every change of the event's notifications, in order.
func (e TraceEvent) Changes() []string {
	var out []string
	for _, n := range e.Notifications {
		out = append(out, n.Changes...)
	}
	return out
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall success: every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
