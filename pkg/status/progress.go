package status

// Progress is a point-in-time summary of a merge engine, designed for
// callers that want to report on a query without parsing log output.
type Progress struct {
	CurrentState State  // current state, i.e. Executing
	Summary      string // text based representation, i.e. "3/8 units read"
}
