package mapistore_test

import (
	"errors"
	"testing"

	"github.com/eteran/mapistore/internal/mapistore"

	"github.com/stretchr/testify/require"
)

func TestErrorsMatchCause(t *testing.T) {
	t.Parallel()

	medium := errors.New("connection refused")

	tests := []struct {
		name  string
		err   error
		cause mapistore.Cause
	}{
		{"init", mapistore.NewInitError("s3", mapistore.ResourceUnavailable, medium), mapistore.ResourceUnavailable},
		{"context", mapistore.NewContextError("sample", "other://x", mapistore.NamespaceMismatch, nil), mapistore.NamespaceMismatch},
		{"lookup", mapistore.NewLookupError("sqlite", 7, mapistore.InvalidContext, medium), mapistore.InvalidContext},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, test.err, test.cause, "expected cause to match")
			require.NotErrorIs(t, test.err, mapistore.InvalidFolderID, "unexpected cause match")
			require.NotEmpty(t, test.err.Error(), "expected error text")
		})
	}
}

func TestErrorsWrapMediumError(t *testing.T) {
	t.Parallel()

	medium := errors.New("connection refused")
	err := mapistore.NewInitError("s3", mapistore.ResourceUnavailable, medium)

	require.ErrorIs(t, err, medium, "medium error must not be swallowed")
	require.Contains(t, err.Error(), "connection refused", "error text should include the medium error")

	var initErr *mapistore.InitError
	require.ErrorAs(t, error(err), &initErr, "expected InitError")
	require.Equal(t, "s3", initErr.Backend, "backend mismatch")
}

func TestCauseString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "namespace mismatch", mapistore.NamespaceMismatch.String())
	require.Equal(t, "cause(99)", mapistore.Cause(99).String())
}

func TestFolderIDValid(t *testing.T) {
	t.Parallel()

	require.True(t, mapistore.RootFolderID.Valid(), "root sentinel is valid")
	require.True(t, mapistore.MaxFolderID.Valid(), "max id is valid")
	require.False(t, (mapistore.MaxFolderID + 1).Valid(), "ids past the max are invalid")
	require.Equal(t, "0x00000000002a", mapistore.FolderID(42).String())
}

func TestCheckURI(t *testing.T) {
	t.Parallel()

	desc := mapistore.Descriptor{Name: "sample", Namespace: "sample://"}

	require.NoError(t, mapistore.CheckURI(desc, "sample://mount1"))
	require.ErrorIs(t, mapistore.CheckURI(desc, ""), mapistore.MalformedInput, "empty uri")
	require.ErrorIs(t, mapistore.CheckURI(desc, "other://mount1"), mapistore.NamespaceMismatch, "foreign namespace")
	require.Equal(t, "mount1", mapistore.MountPath(desc, "sample://mount1"))
}
