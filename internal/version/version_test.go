// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"strings"
	"testing"
)

func TestVersionDefined(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if len(Version) > 100 {
		t.Error("Version string is unreasonably long")
	}
}

func TestProductDefined(t *testing.T) {
	if Product == "" {
		t.Error("Product should not be empty")
	}
	if Manufacturer == "" {
		t.Error("Manufacturer should not be empty")
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, Product+" ") {
		t.Errorf("expected product prefix, got %q", s)
	}
	if !strings.HasSuffix(s, Version) {
		t.Errorf("expected version suffix, got %q", s)
	}
}

func TestVersionNotPlaceholder(t *testing.T) {
	for _, placeholder := range []string{"TODO", "FIXME", "XXX", "placeholder"} {
		if Version == placeholder || Product == placeholder || Manufacturer == placeholder {
			t.Errorf("placeholder value %q", placeholder)
		}
	}
}
