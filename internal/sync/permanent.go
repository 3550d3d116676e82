package sync

import "errors"

type permanentError struct {
	err error
}

func (p *permanentError) Error() string   { return p.err.Error() }
func (p *permanentError) Unwrap() error   { return p.err }
func (p *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying. Handlers return it for payloads
// the backend will never accept.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isPermanent matches any error in the chain that reports Permanent() true,
// including rejections from the remote client.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// isAuthFailure matches errors reporting AuthFailure() true: the backend
// refused the credentials, which says nothing about the document.
func isAuthFailure(err error) bool {
	var a interface{ AuthFailure() bool }
	return errors.As(err, &a) && a.AuthFailure()
}
