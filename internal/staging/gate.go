package staging

// gate limits concurrency. Goroutines enter by calling enter and signal that
// they are done by calling leave. Each enter must be balanced by one leave.
type gate chan struct{}

func newGate(n int) gate {
	if n < 1 {
		n = 1
	}
	return make(gate, n)
}

// enter blocks until fewer than n goroutines are inside the gate
func (g gate) enter() {
	g <- struct{}{}
}

func (g gate) leave() {
	<-g
}
