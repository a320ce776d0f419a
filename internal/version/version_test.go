package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version || info.GitSHA != GitSHA {
		t.Errorf("Get() = %+v, want package variables", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if s := info.String(); !strings.HasPrefix(s, "fieldmap "+Version) {
		t.Errorf("String() = %q", s)
	}
}
