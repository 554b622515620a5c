package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{&DuplicatePlatformError{Platform: "uma"}, `duplicate platform "uma" in secret`},
		{&MissingFieldError{Platform: "beta", Field: "host"}, `platform "beta": missing required field "host"`},
		{&InvalidPortError{Platform: "uma", Value: "99999"}, `platform "uma": invalid port "99999" (want integer in 1-65535)`},
		{&EmptyDatabaseListError{Platform: "uma"}, `platform "uma": databases list is empty`},
		{&NotFoundError{Platform: "beta"}, `platform "beta" is not registered`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}

func TestValidationError_JoinsViolations(t *testing.T) {
	t.Parallel()

	err := &ValidationError{
		Platform:   "beta",
		Violations: []string{`missing required field "host"`, `user must not be empty`},
	}
	assert.Contains(t, err.Error(), `missing required field "host"`)
	assert.Contains(t, err.Error(), "user must not be empty")
}

func TestConnectError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("connection refused")
	err := &ConnectError{Platform: "uma", Attempts: 3, Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	nf := fmt.Errorf("lookup: %w", &NotFoundError{Platform: "beta"})
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsNotFound(stderrors.New("other")))

	assert.True(t, IsValidation(&ValidationError{Platform: "beta"}))
	assert.True(t, IsParse(&ParseError{Message: "bad yaml"}))
	assert.False(t, IsParse(nf))
}
