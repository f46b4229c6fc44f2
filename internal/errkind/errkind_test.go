package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfWalksWrapChain(t *testing.T) {
	sentinel := New(NotFound, "missing thing")
	assert.Equal(t, NotFound, Of(sentinel))

	wrapped := fmt.Errorf("lookup %q: %w", "name", sentinel)
	assert.Equal(t, NotFound, Of(wrapped))
	assert.True(t, errors.Is(wrapped, sentinel), "tagging keeps errors.Is identity")

	assert.Equal(t, Internal, Of(errors.New("untagged")))
	assert.Equal(t, Internal, Of(nil))
}

func TestTagPreservesMessageAndTarget(t *testing.T) {
	base := errors.New("base failure")
	tagged := Tag(InvalidArgument, base)
	assert.Equal(t, "base failure", tagged.Error())
	assert.True(t, errors.Is(tagged, base))
	assert.Equal(t, InvalidArgument, Of(tagged))
}

type kindedError struct{}

func (kindedError) Error() string { return "typed" }
func (kindedError) Kind() Kind    { return PermissionDenied }

func TestOfSeesKinderImplementations(t *testing.T) {
	err := fmt.Errorf("outer: %w", kindedError{})
	assert.Equal(t, PermissionDenied, Of(err))
}
