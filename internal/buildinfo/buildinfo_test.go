package buildinfo

import "testing"

func TestInfoKeepsStampedValues(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()
	info := Info()
	if info["version"] != "1.2.3" {
		t.Fatalf("version = %q", info["version"])
	}
	if _, ok := info["commit"]; !ok {
		t.Fatalf("commit key missing")
	}
}
