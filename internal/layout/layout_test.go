package layout

import "testing"

func TestBlobPath(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"a", "1/a"},
		{"ab", "2/ab"},
		{"abc", "3/a/abc"},
		{"Abc", "3/a/abc"},
		{"serde", "se/rd/serde"},
		{"cargo-util", "ca/rg/cargo-util"},
	}
	for _, c := range cases {
		if got := BlobPath(c.name); got != c.want {
			t.Errorf("BlobPath(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestBlobPathCaseInsensitive(t *testing.T) {
	if BlobPath("Serde") != BlobPath("serde") {
		t.Error("BlobPath must depend only on the lowercased form of name")
	}
}

func TestBlobPathPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		if got := BlobPath("tokio"); got != "to/ki/tokio" {
			t.Fatalf("BlobPath not pure: iteration %d got %q", i, got)
		}
	}
}

func TestCrateFile(t *testing.T) {
	if got, want := CrateFile("foo", "0.1.0"), "3/f/foo/foo-0.1.0.crate"; got != want {
		t.Errorf("CrateFile() = %q, want %q", got, want)
	}
}

func TestIndexFile(t *testing.T) {
	if got, want := IndexFile("foo"), "3/f/foo/foo"; got != want {
		t.Errorf("IndexFile() = %q, want %q", got, want)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"foo", "foo-bar", "foo_bar", "A1", "x"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "foo/bar", "foo bar", "foo.bar"} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
