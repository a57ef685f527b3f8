package zkclient

import (
	"fmt"
	"strings"

	"github.com/walsplit/splitlog/pkg/utils"
)

// RescanPrefix names the ephemeral-sequential rescan-beacon children of the
// splitlog parent, per spec.md §6: "name is <base>/splitlog/<prefix>-<seq>".
const RescanPrefix = "RESCAN"

// TaskParent returns the coordination-store parent path under which every
// task node and rescan beacon lives.
func TaskParent(base string) string {
	return strings.TrimSuffix(base, "/") + "/splitlog"
}

// TaskPath returns the node path for the task that splits logPath.
func TaskPath(base, logPath string) string {
	return fmt.Sprintf("%s/%s", TaskParent(base), utils.EncodeTaskNodeName(logPath))
}

// IsRescanNode classifies a child name (not a full path) as a rescan beacon
// versus a task node, per spec.md §6/§4.3.
func IsRescanNode(childName string) bool {
	return strings.HasPrefix(childName, RescanPrefix)
}

// TaskNameFromChild decodes a task node's child name back into the log file
// path it was created for. Callers must filter out rescan beacons with
// IsRescanNode first.
func TaskNameFromChild(childName string) (string, error) {
	return utils.DecodeTaskNodeName(childName)
}
