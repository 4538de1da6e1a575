package errors

type causer interface {
	Cause() error
}

// Cause unwinds a chain of github.com/pingcap/errors-wrapped causes,
// stopping at the first error that doesn't implement causer (or whose
// Cause() returns nil). Standard cause recursion is broken for pingcap
// errors, so this has to be done by hand.
func Cause(err error) error {
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		next := c.Cause()
		if next == nil {
			return err
		}
		err = next
	}
	return err
}
