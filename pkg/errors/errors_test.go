package errors

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.Nil(t, WithContext(nil, "ignored"))

	root := ConflictError{Path: "a.txt", Expected: "abc", Actual: "def"}
	err := WithContext(WithContext(root, "apply item"), "apply unit app")
	assert.EqualError(t, err, "apply unit app: apply item: a.txt: content conflict (expected abc, found def)")
	assert.Equal(t, root, RootCause(err))

	var conflict ConflictError
	assert.True(t, As(err, &conflict))
	assert.Equal(t, root, conflict)

	var missing PathMissingError
	assert.False(t, As(err, &missing))
}

func TestIs(t *testing.T) {
	err := WithContext(ErrContentMismatch, "write a.txt")
	assert.True(t, Is(err, ErrContentMismatch))
	assert.False(t, Is(err, ErrNothingToRollback))

	err = WithContext(&os.PathError{Op: "open", Path: "a.txt", Err: os.ErrNotExist}, "read")
	assert.True(t, Is(err, os.ErrNotExist))
}

func TestNew(t *testing.T) {
	assert.EqualError(t, New("plain message"), "plain message")
	assert.EqualError(t, Errorf("unit %s", "app"), "unit app")

	sentinel := New("sentinel")
	assert.True(t, Is(WithContext(sentinel, "apply"), sentinel))
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err error
		exp string
	}{
		{
			err: MissingFieldError{Field: "name"},
			exp: "missing required field: name",
		},
		{
			err: MalformedError{Path: "session.yaml", Reason: "bad"},
			exp: "malformed session.yaml: bad",
		},
		{
			err: VersionMismatchError{Unit: "app", Expected: "1.0", Actual: ""},
			exp: `unit "app": expected version "1.0", but found <absent>`,
		},
		{
			err: ConflictError{
				Path:     "a.txt",
				Expected: "0123456789abcdef",
				Actual:   "fedcba9876543210",
			},
			exp: "a.txt: content conflict (expected 0123456789ab, found fedcba987654)",
		},
		{
			err: PathExistsError{Path: "a.txt"},
			exp: "a.txt: path already exists",
		},
		{
			err: PathMissingError{Path: "a.txt"},
			exp: "a.txt: path does not exist",
		},
		{
			err: InterruptedError{Sessions: []string{"s1"}},
			exp: "found 1 interrupted operation(s) [s1]; run `provision recover` to restore them",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.exp, func(t *testing.T) {
			assert.EqualError(t, test.err, test.exp)
		})
	}
}

func TestFriendlyError(t *testing.T) {
	var err error = NewFriendlyError("Unit %s is not installed", "app")
	friendly, ok := err.(Friendly)
	assert.True(t, ok)
	assert.Equal(t, "Unit app is not installed", friendly.FriendlyMessage())
	assert.EqualError(t, err, "Unit app is not installed")
}
