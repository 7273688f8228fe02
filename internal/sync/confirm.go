package sync

// Confirmer approves a staged change set before it is applied
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(prompt string) bool

// Confirm implements Confirmer
func (f ConfirmFunc) Confirm(prompt string) bool {
	return f(prompt)
}

var (
	// Always approves every change set
	Always Confirmer = ConfirmFunc(func(string) bool { return true })
	// Never declines every change set
	Never Confirmer = ConfirmFunc(func(string) bool { return false })
)
