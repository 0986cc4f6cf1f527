package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Empty and root
		{"empty", "", ""},
		{"root", "/", ""},
		{"double_root", "//", ""},
		{"dot", ".", ""},

		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"both_slashes", "/foo/", "foo"},

		{"two_parts", "foo/bar", "foo/bar"},
		{"three_parts", "/foo/bar/baz/", "foo/bar/baz"},

		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "foo/../bar", "bar"},
		{"double_slash", "foo//bar", "foo/bar"},
		{"many_slashes", "///foo///bar///", "foo/bar"},

		// Keys are rooted, so .. cannot climb above the root
		{"dotdot", "..", ""},
		{"dotdot_prefix", "../foo", "foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeKey(tt.input), "NormalizeKey(%q)", tt.input)
		})
	}
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	t.Run("accepts plain keys", func(t *testing.T) {
		t.Parallel()
		got, err := ValidateKey("/docs//report.pdf")
		require.NoError(t, err)
		assert.Equal(t, "docs/report.pdf", got)
	})

	t.Run("rejects parent traversal", func(t *testing.T) {
		t.Parallel()
		for _, key := range []string{"..", "../etc/passwd", "docs/../../x"} {
			_, err := ValidateKey(key)
			assert.True(t, errors.Is(err, ErrInvalidPath), "ValidateKey(%q)", key)
		}
	})
}

func TestSplitKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"root", "/", nil},
		{"simple", "foo", []string{"foo"}},
		{"two_parts", "/foo/bar", []string{"foo", "bar"}},
		{"three_parts_both_slashes", "/foo/bar/baz/", []string{"foo", "bar", "baz"}},
		{"double_slash", "foo//bar", []string{"foo", "bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SplitKey(tt.input), "SplitKey(%q)", tt.input)
		})
	}
}

func TestJoinKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{"nil", nil, ""},
		{"empty_string", []string{""}, ""},
		{"single", []string{"foo"}, "foo"},
		{"two_parts", []string{"foo", "bar"}, "foo/bar"},
		{"slashes_between", []string{"foo/", "/bar"}, "foo/bar"},
		{"empty_first", []string{"", "foo", "bar"}, "foo/bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, JoinKey(tt.parts...), "JoinKey(%v)", tt.parts)
		})
	}
}

func TestParentKeyAndBaseName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		parent string
		base   string
	}{
		{"", "", ""},
		{"/", "", ""},
		{"foo", "", "foo"},
		{"foo/bar.txt", "foo", "bar.txt"},
		{"/path/to/file.ext", "path/to", "file.ext"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.parent, ParentKey(tt.input))
			assert.Equal(t, tt.base, BaseName(tt.input))
			if tt.parent != "" {
				assert.Equal(t, NormalizeKey(tt.input), JoinKey(tt.parent, tt.base))
			}
		})
	}
}
