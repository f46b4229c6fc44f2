// Package errkind assigns stable kind tags to errors. The transport
// boundary maps kinds onto its status space (HTTP today, the gRPC code
// space at an RPC boundary) without inspecting error messages or knowing
// every sentinel in the engine.
package errkind

import "errors"

// Kind is a stable error category.
type Kind string

const (
	// InvalidArgument covers client-side problems: malformed documents,
	// bad query syntax, type mismatches, invalid configuration.
	InvalidArgument Kind = "invalid_argument"

	// NotFound covers missing indices, consumers and files.
	NotFound Kind = "not_found"

	// AlreadyExists covers creation of something already registered.
	AlreadyExists Kind = "already_exists"

	// PermissionDenied covers writes against read-only engines.
	PermissionDenied Kind = "permission_denied"

	// Internal is the default for untagged failures.
	Internal Kind = "internal"
)

// Kinder is implemented by errors carrying a kind tag.
type Kinder interface {
	Kind() Kind
}

// Of returns the kind of the first tagged error in the chain, or Internal
// when none carries a tag.
func Of(err error) Kind {
	var kinder Kinder
	if errors.As(err, &kinder) {
		return kinder.Kind()
	}
	return Internal
}

// Tag attaches a kind to an error. The result still matches the wrapped
// error under errors.Is.
func Tag(kind Kind, err error) error {
	return &tagged{kind: kind, err: err}
}

// New creates a tagged sentinel error.
func New(kind Kind, message string) error {
	return Tag(kind, errors.New(message))
}

type tagged struct {
	kind Kind
	err  error
}

func (t *tagged) Error() string { return t.err.Error() }
func (t *tagged) Unwrap() error { return t.err }
func (t *tagged) Kind() Kind    { return t.kind }
