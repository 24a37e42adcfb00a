package chat

import "errors"

// Error taxonomy shared by every boundary. Wrap with fmt.Errorf("%w: ...")
// and test with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrValidation      = errors.New("invalid request")
	ErrInternal        = errors.New("internal error")
)

// PublicMessage is the text shown to clients for err. Internal failures are
// reduced to the bare sentinel so storage details stay in the logs.
func PublicMessage(err error) string {
	if errors.Is(err, ErrInternal) {
		return ErrInternal.Error()
	}
	return err.Error()
}
