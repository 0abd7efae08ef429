package rebase

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Iron-Ham/distrun/internal/errors"
)

// setupRoot creates a root directory with a nested test file and returns
// the canonical root path.
func setupRoot(t *testing.T, name string) string {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(base, name)
	if err := os.MkdirAll(filepath.Join(root, "tests"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "tests", "test_a.py"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRebase(t *testing.T) {
	proj := setupRoot(t, "proj")
	lib := setupRoot(t, "lib")
	roots := []string{proj, lib}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "file under first root",
			args: []string{filepath.Join(proj, "tests", "test_a.py")},
			want: []string{"proj/tests/test_a.py"},
		},
		{
			name: "node selector suffix is kept",
			args: []string{filepath.Join(lib, "tests", "test_a.py") + "::TestX::test_y"},
			want: []string{"lib/tests/test_a.py::TestX::test_y"},
		},
		{
			name: "root itself maps to its base name",
			args: []string{proj},
			want: []string{"proj"},
		},
		{
			name: "nonexistent path passes through",
			args: []string{"-x", "--maxfail=2", "no/such/file.py::t"},
			want: []string{"-x", "--maxfail=2", "no/such/file.py::t"},
		},
		{
			name: "empty args",
			args: nil,
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Rebase(roots, tt.args)
			if err != nil {
				t.Fatalf("Rebase() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Rebase() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRebase_UnrelatedPath(t *testing.T) {
	proj := setupRoot(t, "proj")
	outside := setupRoot(t, "elsewhere")

	_, err := Rebase([]string{proj}, []string{filepath.Join(outside, "tests")})
	if err == nil {
		t.Fatal("Rebase() should fail for an existing path outside every root")
	}
	if !errors.Is(err, errors.ErrUnrelatedPath) {
		t.Errorf("error = %v, want ErrUnrelatedPath", err)
	}
	if !errors.IsFatalToPool(err) {
		t.Error("unrelated path must be a configuration error")
	}
}

func TestRebase_SiblingPrefixIsNotContained(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(base, "proj")
	sibling := filepath.Join(base, "project")
	for _, d := range []string{root, sibling} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := Rebase([]string{root}, []string{sibling}); !errors.Is(err, errors.ErrUnrelatedPath) {
		t.Errorf("Rebase(sibling) error = %v, want ErrUnrelatedPath", err)
	}
}
