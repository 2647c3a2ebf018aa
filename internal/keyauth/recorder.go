package keyauth

// EventKind names the operation an Event describes.
type EventKind string

const (
	EventSign   EventKind = "sign"
	EventVerify EventKind = "verify"
)

// Event summarizes one Sign or Verify call.
type Event struct {
	Kind    EventKind
	Account string
	// Identities is how many identities took part.
	Identities int
	// Fingerprints lists the identities that produced a signature (sign) or
	// matched one (verify).
	Fingerprints []string
	Success      bool
	Reason       string
	Details      string
}

// Recorder receives an Event after every Sign and Verify call. Record must
// not block for long; it runs on the caller's goroutine.
type Recorder interface {
	Record(Event)
}
