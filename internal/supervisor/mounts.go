package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentdock/hostd/internal/dockerclient"
)

// blockedSegments are path components that can never appear in an
// additional-mount's host or container path, regardless of allow-list
// configuration — credentials an agent must never read even read-only.
var blockedSegments = []string{
	".ssh", ".gnupg", ".aws", ".kube", ".docker", ".env", ".netrc",
	"id_rsa", "id_ed25519", "private_key", ".secret",
}

// AllowedRoot is one host directory an additional mount may be rooted
// under, and whether read-write access is permitted at all from that root.
type AllowedRoot struct {
	Path          string `yaml:"path"`
	AllowReadWrite bool  `yaml:"allowReadWrite"`
}

// MountPolicy is the parsed additional-mount allow-list. A nil or empty
// policy rejects every additional mount (default-deny).
type MountPolicy struct {
	Roots              []AllowedRoot `yaml:"roots"`
	NonMainReadOnly    bool          `yaml:"nonMainReadOnly"`
}

// LoadMountPolicy reads the allow-list file. It must live outside the
// project root so an agent container can never edit its own sandbox rules.
// An empty path yields a nil policy; a configured file that cannot be read
// or parsed is an error. Callers must treat a nil policy as deny-all, never
// as allow-all.
func LoadMountPolicy(path string) (*MountPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mount allow-list %s: %w", path, err)
	}
	var p MountPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse mount allow-list %s: %w", path, err)
	}
	return &p, nil
}

// ParseAdditionalMountSpec splits a "host:container[:ro]" spec as used in a
// registered repo's additional_mounts column.
func ParseAdditionalMountSpec(spec string) (hostPath, containerPath string, readWrite bool, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", false, fmt.Errorf("malformed mount spec %q", spec)
	}
	hostPath = parts[0]
	containerPath = parts[1]
	readWrite = true
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			readWrite = false
		case "rw":
			readWrite = true
		default:
			return "", "", false, fmt.Errorf("malformed mount mode in spec %q", spec)
		}
	}
	return hostPath, containerPath, readWrite, nil
}

// ValidateAdditionalMount enforces §4.7.1: a missing policy, an invalid
// container path, a nonexistent host path, a blocked path segment, or a
// host path outside every allowed root is rejected outright. A request for
// read-write access that the policy does not permit is silently downgraded
// to read-only rather than rejected.
func ValidateAdditionalMount(policy *MountPolicy, hostPath, containerPath string, readWrite, isMain bool) (dockerclient.Mount, error) {
	if policy == nil || len(policy.Roots) == 0 {
		return dockerclient.Mount{}, fmt.Errorf("additional mount rejected: no allow-list configured")
	}
	if containerPath == "" || !filepath.IsAbs(containerPath) || strings.Contains(containerPath, "..") {
		return dockerclient.Mount{}, fmt.Errorf("additional mount rejected: invalid container path %q", containerPath)
	}
	if containsBlockedSegment(containerPath) || containsBlockedSegment(hostPath) {
		return dockerclient.Mount{}, fmt.Errorf("additional mount rejected: path %q matches a blocked pattern", hostPath)
	}

	absHost, err := filepath.Abs(hostPath)
	if err != nil {
		return dockerclient.Mount{}, fmt.Errorf("additional mount rejected: %w", err)
	}
	if _, err := os.Stat(absHost); err != nil {
		return dockerclient.Mount{}, fmt.Errorf("additional mount rejected: host path %q does not exist", absHost)
	}

	root, ok := matchAllowedRoot(policy.Roots, absHost)
	if !ok {
		return dockerclient.Mount{}, fmt.Errorf("additional mount rejected: %q is not under any allowed root", absHost)
	}

	effectiveRW := readWrite
	if effectiveRW && !root.AllowReadWrite {
		effectiveRW = false
	}
	if effectiveRW && !isMain && policy.NonMainReadOnly {
		effectiveRW = false
	}

	return dockerclient.Mount{Source: absHost, Target: containerPath, ReadOnly: !effectiveRW}, nil
}

func containsBlockedSegment(p string) bool {
	segments := strings.Split(filepath.ToSlash(p), "/")
	for _, seg := range segments {
		for _, blocked := range blockedSegments {
			if strings.EqualFold(seg, blocked) {
				return true
			}
		}
	}
	return false
}

func matchAllowedRoot(roots []AllowedRoot, absHost string) (AllowedRoot, bool) {
	for _, root := range roots {
		absRoot, err := filepath.Abs(root.Path)
		if err != nil {
			continue
		}
		if absHost == absRoot || strings.HasPrefix(absHost, absRoot+string(filepath.Separator)) {
			return root, true
		}
	}
	return AllowedRoot{}, false
}
