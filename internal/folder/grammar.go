// Package folder validates the folder-name grammar shared by every ingress
// point that can mint or accept one: repository registration, the IPC
// watcher's register_group task, and container mount construction. A
// folder name doubles as a directory component on the host filesystem, so
// the grammar exists to keep agent-controlled strings from escaping their
// mount point.
package folder

import (
	"fmt"
	"regexp"
)

const maxLength = 128

var validPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// reserved names are refused because they collide with fixed directories
// the supervisor and IPC watcher already use under the data directory.
var reserved = map[string]bool{
	"main":   true,
	"ipc":    true,
	"data":   true,
	"groups": true,
	".":      true,
	"..":     true,
}

// Validate reports whether name is an acceptable folder identifier.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("folder name is empty")
	}
	if len(name) > maxLength {
		return fmt.Errorf("folder name %q exceeds %d characters", name, maxLength)
	}
	if !validPattern.MatchString(name) {
		return fmt.Errorf("folder name %q contains characters outside [A-Za-z0-9_.-]", name)
	}
	if reserved[name] {
		return fmt.Errorf("folder name %q is reserved", name)
	}
	return nil
}
