package completion

// Outcome is the result of one Complete call. Exactly one of Success and
// Failure is set.
type Outcome struct {
	// TriedModels lists every model attempted, in order.
	TriedModels []string
	Success     *Success
	Failure     *Failure
}

// Success describes the model that answered.
type Success struct {
	ModelUsed  string
	Content    string
	TokensUsed *int
	// IsPrimary is true when the first model of the chain answered.
	IsPrimary bool
}

// Failure describes why no model answered.
type Failure struct {
	// ErrorSummary is the raw text of the last error, for operators.
	ErrorSummary string
	// UserMessage is safe to show to the end user.
	UserMessage string
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Success != nil }

// FallbackUsed reports whether a model other than the primary answered.
func (o Outcome) FallbackUsed() bool { return o.Success != nil && !o.Success.IsPrimary }
