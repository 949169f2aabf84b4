package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromMapOverlaysDefaults(t *testing.T) {
	opt, err := FromMap(map[string]string{
		"trace_threshold": "100",
		"detach_allowed":  "true",
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if opt.TraceThreshold != 100 {
		t.Fatalf("TraceThreshold = %d, want 100", opt.TraceThreshold)
	}
	if !opt.DetachAllowed {
		t.Fatalf("DetachAllowed = false, want true")
	}
	// Untouched fields keep Default()'s values.
	if opt.FollowChildren != Default().FollowChildren {
		t.Fatalf("FollowChildren = %v, want default %v", opt.FollowChildren, Default().FollowChildren)
	}
}

func TestFromMapRejectsUnknownKey(t *testing.T) {
	if _, err := FromMap(map[string]string{"not_a_real_option": "true"}); err == nil {
		t.Fatalf("FromMap accepted an unknown key")
	}
}

func TestFromMapRejectsBadValue(t *testing.T) {
	if _, err := FromMap(map[string]string{"trace_threshold": "not-a-number"}); err == nil {
		t.Fatalf("FromMap accepted a non-numeric trace_threshold")
	}
}

func TestFromMapEarlyInjectToggle(t *testing.T) {
	opt, err := FromMap(map[string]string{"early_inject": "false"})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if opt.InjectLocation != InjectPostLoader {
		t.Fatalf("InjectLocation = %v, want InjectPostLoader", opt.InjectLocation)
	}
}

func TestFromTOMLFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dynacore.toml")
	content := "trace_threshold = 25\nuse_persisted = true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opt, err := FromTOMLFile(path)
	if err != nil {
		t.Fatalf("FromTOMLFile: %v", err)
	}
	if opt.TraceThreshold != 25 {
		t.Fatalf("TraceThreshold = %d, want 25", opt.TraceThreshold)
	}
	if !opt.UsePersisted {
		t.Fatalf("UsePersisted = false, want true")
	}
	if opt.LiveDump != Default().LiveDump {
		t.Fatalf("LiveDump = %v, want default %v", opt.LiveDump, Default().LiveDump)
	}
}

func TestFromTOMLFileMissingFile(t *testing.T) {
	if _, err := FromTOMLFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("FromTOMLFile on a missing file returned nil error")
	}
}
