package sft

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ID is a parsed SFT identifier of the form "<name>@v<version>".
type ID struct {
	Name    string
	Version *semver.Version
}

func (id ID) String() string {
	return fmt.Sprintf("%s@v%s", id.Name, id.Version.Original())
}

// ParseID parses an SFT id. Versions are permissive semver: "core@v0.1" and
// "alpha@v1" are both valid.
func ParseID(s string) (ID, error) {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return ID{}, fmt.Errorf("sft: malformed id %q (want <name>@v<version>)", s)
	}
	name, ver := s[:at], s[at+1:]
	if !strings.HasPrefix(ver, "v") {
		return ID{}, fmt.Errorf("sft: malformed id %q (version must start with 'v')", s)
	}
	parsed, err := semver.NewVersion(strings.TrimPrefix(ver, "v"))
	if err != nil {
		return ID{}, fmt.Errorf("sft: id %q: %w", s, err)
	}
	return ID{Name: name, Version: parsed}, nil
}
