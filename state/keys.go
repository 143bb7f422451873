package state

import (
	"fmt"
	"strings"
)

// ValidWorkspaceID reports whether id can be used in the keyspace. Workspace
// ids must not contain ':', which separates them from file paths.
func ValidWorkspaceID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

type keyspace struct {
	prefix string
}

func (k keyspace) snapshot(workspaceID, filePath string) string {
	return fmt.Sprintf("%ssnapshot:%s:%s", k.prefix, workspaceID, filePath)
}

// files indexes the snapshot paths of a workspace so purge never has to SCAN.
func (k keyspace) files(workspaceID string) string {
	return fmt.Sprintf("%sfiles:%s", k.prefix, workspaceID)
}

func (k keyspace) chat(workspaceID string) string {
	return fmt.Sprintf("%schat:%s", k.prefix, workspaceID)
}

func (k keyspace) typing(workspaceID string) string {
	return fmt.Sprintf("%styping:%s", k.prefix, workspaceID)
}

func (k keyspace) users(workspaceID string) string {
	return fmt.Sprintf("%susers:%s", k.prefix, workspaceID)
}

func (k keyspace) conn(connectionID string) string {
	return fmt.Sprintf("%sconn:%s", k.prefix, connectionID)
}
