// Package reaper retracts the session of a connection that went away without
// an explicit leave.
package reaper

import (
	"context"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/metrics"
	"github.com/abdelmounim-dev/collab-coordinator/state"
)

// Presence is the membership registry the reaper reconciles.
type Presence interface {
	IsActive(workspaceID, userID string) bool
	Leave(ctx context.Context, workspaceID, userID string) (bool, error)
}

// Bindings resolves and removes connection bindings.
type Bindings interface {
	LookupConnection(ctx context.Context, connectionID string) (state.Binding, bool, error)
	UnbindConnection(ctx context.Context, connectionID string) (state.Binding, bool, error)
}

// Announcer tells a workspace that a user dropped unexpectedly.
type Announcer interface {
	AnnounceDisconnect(ctx context.Context, workspaceID, userID string)
}

type Reaper struct {
	presence  Presence
	bindings  Bindings
	announcer Announcer
	logger    *zap.Logger
}

func New(presence Presence, bindings Bindings, announcer Announcer, logger *zap.Logger) *Reaper {
	return &Reaper{
		presence:  presence,
		bindings:  bindings,
		announcer: announcer,
		logger:    logger.Named("reaper"),
	}
}

// Reap is called once per dropped connection. If the connection still backs an
// active session, that session leaves the way an explicit leave would and the
// workspace is told. The binding is removed in every case.
func (r *Reaper) Reap(ctx context.Context, connectionID string) {
	defer func() {
		if _, _, err := r.bindings.UnbindConnection(ctx, connectionID); err != nil {
			r.logger.Warn("Failed to unbind connection", zap.String("conn", connectionID), zap.Error(err))
		}
	}()

	b, ok, err := r.bindings.LookupConnection(ctx, connectionID)
	if err != nil {
		r.logger.Error("Failed to look up connection binding", zap.String("conn", connectionID), zap.Error(err))
		return
	}
	if !ok || !r.presence.IsActive(b.WorkspaceID, b.UserID) {
		return
	}

	if _, err := r.presence.Leave(ctx, b.WorkspaceID, b.UserID); err != nil {
		r.logger.Error("Failed to retract session",
			zap.String("workspace", b.WorkspaceID), zap.String("user", b.UserID), zap.Error(err))
	}
	metrics.UnexpectedDisconnects.Inc()
	r.logger.Info("Reaped dropped session",
		zap.String("workspace", b.WorkspaceID), zap.String("user", b.UserID), zap.String("conn", connectionID))
	r.announcer.AnnounceDisconnect(ctx, b.WorkspaceID, b.UserID)
}
