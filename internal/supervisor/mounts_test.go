package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseAdditionalMountSpec(t *testing.T) {
	cases := []struct {
		spec          string
		wantHost      string
		wantContainer string
		wantRW        bool
		wantErr       bool
	}{
		{"/host/a:/container/a", "/host/a", "/container/a", true, false},
		{"/host/a:/container/a:ro", "/host/a", "/container/a", false, false},
		{"/host/a:/container/a:rw", "/host/a", "/container/a", true, false},
		{"/host/a", "", "", false, true},
		{"/host/a:/container/a:garbage", "", "", false, true},
	}
	for _, c := range cases {
		host, container, rw, err := ParseAdditionalMountSpec(c.spec)
		if c.wantErr {
			if err == nil {
				t.Errorf("spec %q: expected error", c.spec)
			}
			continue
		}
		if err != nil {
			t.Fatalf("spec %q: unexpected error: %v", c.spec, err)
		}
		if host != c.wantHost || container != c.wantContainer || rw != c.wantRW {
			t.Errorf("spec %q: got (%q, %q, %v), want (%q, %q, %v)", c.spec, host, container, rw, c.wantHost, c.wantContainer, c.wantRW)
		}
	}
}

func TestValidateAdditionalMount_NoPolicyDeniesAll(t *testing.T) {
	dir := t.TempDir()
	if _, err := ValidateAdditionalMount(nil, dir, "/workspace/extra", true, true); err == nil {
		t.Fatal("expected a nil policy to reject every mount")
	}
}

func TestValidateAdditionalMount_BlockedSegmentRejected(t *testing.T) {
	root := t.TempDir()
	sshDir := filepath.Join(root, ".ssh")
	if err := os.MkdirAll(sshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: true}}}
	if _, err := ValidateAdditionalMount(policy, sshDir, "/workspace/ssh", false, true); err == nil {
		t.Fatal("expected .ssh path segment to be rejected")
	}
}

func TestValidateAdditionalMount_OutsideAllowedRootRejected(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: true}}}
	if _, err := ValidateAdditionalMount(policy, outside, "/workspace/extra", false, true); err == nil {
		t.Fatal("expected a host path outside every allowed root to be rejected")
	}
}

func TestValidateAdditionalMount_RelativeContainerPathRejected(t *testing.T) {
	root := t.TempDir()
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: true}}}
	if _, err := ValidateAdditionalMount(policy, root, "relative/path", false, true); err == nil {
		t.Fatal("expected a non-absolute container path to be rejected")
	}
}

func TestValidateAdditionalMount_NonexistentHostPathRejected(t *testing.T) {
	root := t.TempDir()
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: true}}}
	missing := filepath.Join(root, "does-not-exist")
	if _, err := ValidateAdditionalMount(policy, missing, "/workspace/extra", false, true); err == nil {
		t.Fatal("expected a nonexistent host path to be rejected")
	}
}

func TestValidateAdditionalMount_DowngradesReadWriteWhenRootForbidsIt(t *testing.T) {
	root := t.TempDir()
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: false}}}
	mount, err := ValidateAdditionalMount(policy, root, "/workspace/extra", true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mount.ReadOnly {
		t.Fatal("expected read-write request to be downgraded to read-only")
	}
}

func TestValidateAdditionalMount_DowngradesReadWriteForNonMain(t *testing.T) {
	root := t.TempDir()
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: true}}, NonMainReadOnly: true}
	mount, err := ValidateAdditionalMount(policy, root, "/workspace/extra", true, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mount.ReadOnly {
		t.Fatal("expected non-main read-write request to be downgraded under nonMainReadOnly")
	}
}

func TestValidateAdditionalMount_AllowsReadWriteForMainUnderPermissiveRoot(t *testing.T) {
	root := t.TempDir()
	policy := &MountPolicy{Roots: []AllowedRoot{{Path: root, AllowReadWrite: true}}}
	mount, err := ValidateAdditionalMount(policy, root, "/workspace/extra", true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mount.ReadOnly {
		t.Fatal("expected read-write to be preserved for a permissive root under main")
	}
}
