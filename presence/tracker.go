// Package presence keeps track of which users are active in which workspace.
//
// Each process holds its own membership registry for cheap local checks. The
// decision that a workspace has been abandoned is never taken from that local
// view: every session is mirrored into the shared membership set as
// "user@instance", and the workspace is purged only when the shared set is
// empty, so a user still connected to another process keeps the state alive.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/metrics"
	"github.com/abdelmounim-dev/collab-coordinator/state"
)

// SharedState is the part of the shared store the tracker needs.
type SharedState interface {
	state.MembershipStore
	PurgeWorkspace(ctx context.Context, workspaceID string) error
}

// workspace is the local membership of one workspace. Once emptied it is
// marked dead and unlinked; writers that raced the unlink retry with a fresh one.
type workspace struct {
	mu    sync.Mutex
	users map[string]struct{}
	dead  bool
}

// Tracker is the per-process presence registry.
type Tracker struct {
	workspaces sync.Map // workspaceID -> *workspace
	shared     SharedState
	instanceID string
	logger     *zap.Logger
}

// NewTracker creates a tracker whose shared entries are tagged with instanceID.
func NewTracker(shared SharedState, instanceID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		shared:     shared,
		instanceID: instanceID,
		logger:     logger.Named("presence"),
	}
}

// Join adds userID to the workspace. It reports true only if the user was not
// already present on this process; only then is the shared set updated.
func (t *Tracker) Join(ctx context.Context, workspaceID, userID string) (bool, error) {
	added := t.addLocal(workspaceID, userID)
	if !added {
		return false, nil
	}
	metrics.ActiveParticipants.Inc()

	if err := t.shared.AddMember(ctx, workspaceID, t.memberKey(userID)); err != nil {
		return true, fmt.Errorf("failed to mirror join of %s to %s: %w", userID, workspaceID, err)
	}
	return true, nil
}

// Leave removes userID from the workspace. When the shared membership drops to
// zero the workspace state is purged and purged is true. Leaving a workspace
// the user never joined on this process is a no-op.
func (t *Tracker) Leave(ctx context.Context, workspaceID, userID string) (purged bool, err error) {
	if !t.removeLocal(workspaceID, userID) {
		return false, nil
	}
	metrics.ActiveParticipants.Dec()

	remaining, err := t.shared.RemoveMember(ctx, workspaceID, t.memberKey(userID))
	if err != nil {
		return false, fmt.Errorf("failed to mirror leave of %s from %s: %w", userID, workspaceID, err)
	}
	if remaining > 0 {
		return false, nil
	}

	t.logger.Info("Last session left workspace, purging shared state",
		zap.String("workspace", workspaceID), zap.String("user", userID))
	metrics.WorkspacePurges.Inc()
	if err := t.shared.PurgeWorkspace(ctx, workspaceID); err != nil {
		return true, fmt.Errorf("failed to purge %s: %w", workspaceID, err)
	}
	return true, nil
}

// IsActive reports whether userID is present on this process.
func (t *Tracker) IsActive(workspaceID, userID string) bool {
	v, ok := t.workspaces.Load(workspaceID)
	if !ok {
		return false
	}
	ws := v.(*workspace)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_, ok = ws.users[userID]
	return ok
}

// ActiveUsers returns the users present on this process, sorted.
func (t *Tracker) ActiveUsers(workspaceID string) []string {
	v, ok := t.workspaces.Load(workspaceID)
	if !ok {
		return []string{}
	}
	ws := v.(*workspace)
	ws.mu.Lock()
	users := make([]string, 0, len(ws.users))
	for uid := range ws.users {
		users = append(users, uid)
	}
	ws.mu.Unlock()

	sort.Strings(users)
	return users
}

// SharedActiveUsers returns the users present on any process, sorted and
// without duplicates.
func (t *Tracker) SharedActiveUsers(ctx context.Context, workspaceID string) ([]string, error) {
	members, err := t.shared.Members(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, member := range members {
		uid := member
		if i := strings.LastIndex(member, "@"); i >= 0 {
			uid = member[:i]
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		users = append(users, uid)
	}
	sort.Strings(users)
	return users, nil
}

func (t *Tracker) memberKey(userID string) string {
	return userID + "@" + t.instanceID
}

func (t *Tracker) addLocal(workspaceID, userID string) bool {
	for {
		v, _ := t.workspaces.LoadOrStore(workspaceID, &workspace{users: make(map[string]struct{})})
		ws := v.(*workspace)

		ws.mu.Lock()
		if ws.dead {
			ws.mu.Unlock()
			continue
		}
		_, exists := ws.users[userID]
		if !exists {
			ws.users[userID] = struct{}{}
		}
		ws.mu.Unlock()
		return !exists
	}
}

func (t *Tracker) removeLocal(workspaceID, userID string) bool {
	v, ok := t.workspaces.Load(workspaceID)
	if !ok {
		return false
	}
	ws := v.(*workspace)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, exists := ws.users[userID]; !exists {
		return false
	}
	delete(ws.users, userID)
	if len(ws.users) == 0 {
		ws.dead = true
		t.workspaces.CompareAndDelete(workspaceID, ws)
	}
	return true
}
