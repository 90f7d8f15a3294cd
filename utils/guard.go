package utils

// Guard runs a cleanup only when the surrounding function did not reach Success. Usage:
//
//	guard := NewGuard(func() { interpreter.Close() })
//	defer guard.OnFail()
//	if err != nil { return err }
//	guard.Success()
//	return nil
type Guard struct {
	OnFail  func()
	success bool
}

// NewGuard returns a NewGuard.
func NewGuard(onFailCleanup func()) *Guard {
	ret := &Guard{}
	ret.OnFail = func() {
		if !ret.success {
			onFailCleanup()
		}
	}
	return ret
}

// Success declares the function succeeded and the "failure" cleanup code does not need to be
// executed.
func (guard *Guard) Success() {
	guard.success = true
}
