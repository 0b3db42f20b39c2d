package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizer(t *testing.T) {
	t.Run("EmptyListsAllowEverything", func(t *testing.T) {
		a, err := New(nil, nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, a.Allowed("src/main.go"))
		assert.True(t, a.Allowed("README.md"))
	})

	t.Run("DenyTakesPrecedence", func(t *testing.T) {
		a, err := New([]string{"src/**"}, []string{"!src/secrets/**"}, nil, nil)
		require.NoError(t, err)
		assert.True(t, a.Allowed("src/app.go"))
		assert.False(t, a.Allowed("src/secrets/key.pem"))
	})

	t.Run("NonEmptyAllowRequiresMatch", func(t *testing.T) {
		a, err := New([]string{"src/**"}, nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, a.Allowed("src/file.txt"))
		assert.True(t, a.Allowed("src/a/b/file.txt"))
		assert.False(t, a.Allowed("docs/readme.md"))
	})

	t.Run("SingleSegmentWildcards", func(t *testing.T) {
		a, err := New([]string{"src/*.go"}, nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, a.Allowed("src/main.go"))
		assert.False(t, a.Allowed("src/sub/main.go"))

		a, err = New([]string{"src/?.go"}, nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, a.Allowed("src/a.go"))
		assert.False(t, a.Allowed("src/ab.go"))
	})

	t.Run("RegexPatternsAreSearched", func(t *testing.T) {
		a, err := New([]string{`\.(go|md)$`}, nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, a.Allowed("deep/nested/file.go"))
		assert.True(t, a.Allowed("notes.md"))
		assert.False(t, a.Allowed("image.png"))
	})

	t.Run("CallSiteReplacesEnvironment", func(t *testing.T) {
		// Call-site allow overrides env allow; env deny stays active
		// because no call-site deny was given.
		a, err := New([]string{"docs/**"}, nil, []string{"src/**"}, []string{"!docs/internal/**"})
		require.NoError(t, err)
		assert.True(t, a.Allowed("docs/guide.md"))
		assert.False(t, a.Allowed("src/app.go"))
		assert.False(t, a.Allowed("docs/internal/plan.md"))
	})

	t.Run("InvalidPatternFails", func(t *testing.T) {
		_, err := New([]string{"([unclosed"}, nil, nil, nil)
		assert.Error(t, err)
	})
}

func TestWithinRoot(t *testing.T) {
	root := "/repo"

	assert.True(t, WithinRoot(root, "a.txt"))
	assert.True(t, WithinRoot(root, "src/deep/file.go"))
	assert.True(t, WithinRoot(root, "src/../other.txt"))

	assert.False(t, WithinRoot(root, "../../etc/passwd"))
	assert.False(t, WithinRoot(root, "/etc/passwd"))
	assert.False(t, WithinRoot(root, "src/../../escape"))
}

func TestTraversalBeatsPatterns(t *testing.T) {
	a, err := New([]string{"**"}, nil, nil, nil)
	require.NoError(t, err)

	_, err = EnforceUnderRoot(a, "/repo", "../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PATH_TRAVERSAL")
}
