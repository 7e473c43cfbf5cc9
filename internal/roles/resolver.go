package roles

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/db"
	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
)

// Role is the effective standing of a user in a chat, ordered from
// most to least privileged for sanction exemption purposes. Banned
// sits outside that order: it preempts everything.
type Role string

const (
	RoleBanned  Role = "banned"
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleTrusted Role = "trusted"
	RoleMember  Role = "member"
	RoleMuted   Role = "muted"
)

// Exempt reports whether the role is never sanctioned automatically.
func (r Role) Exempt() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleTrusted
}

type Store interface {
	GetRole(ctx context.Context, chatID, userID int64) (string, error)
	SetRole(ctx context.Context, assignment *db.RoleAssignment) error
	RemoveRole(ctx context.Context, chatID, userID int64) error
	GetGbanEntry(ctx context.Context, userID int64) (*db.GbanEntry, error)
}

// AdminChecker answers live chat administrator status, typically
// backed by the messenger API with its own caching.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

type Resolver struct {
	store                Store
	admins               AdminChecker
	ownerIDs             map[int64]struct{}
	trustedOverridesMute bool
	logger               *log.Entry
}

func NewResolver(store Store, admins AdminChecker, ownerIDs []int64, trustedOverridesMute bool) *Resolver {
	owners := make(map[int64]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}
	return &Resolver{
		store:                store,
		admins:               admins,
		ownerIDs:             owners,
		trustedOverridesMute: trustedOverridesMute,
		logger:               log.WithField("object", "RoleResolver"),
	}
}

// Resolve walks the precedence chain: a global ban beats everything,
// then bot owners, live chat admins, and finally stored assignments.
func (r *Resolver) Resolve(ctx context.Context, chatID, userID int64) (Role, error) {
	entry, err := r.store.GetGbanEntry(ctx, userID)
	if err != nil {
		return RoleMember, errors.Wrap(err, "check gban")
	}
	if entry != nil {
		return RoleBanned, nil
	}

	if _, ok := r.ownerIDs[userID]; ok {
		return RoleOwner, nil
	}

	isAdmin, err := r.admins.IsAdmin(ctx, chatID, userID)
	if err != nil {
		return RoleMember, errors.Wrap(err, "check admin")
	}
	if isAdmin {
		return RoleAdmin, nil
	}

	stored, err := r.store.GetRole(ctx, chatID, userID)
	if err != nil {
		return RoleMember, errors.Wrap(err, "get stored role")
	}
	switch Role(stored) {
	case RoleTrusted:
		return RoleTrusted, nil
	case RoleMuted:
		return RoleMuted, nil
	default:
		return RoleMember, nil
	}
}

// Trust marks a user as trusted in a chat, replacing any mute.
func (r *Resolver) Trust(ctx context.Context, chatID, userID, assignedBy int64) error {
	return errors.Wrap(r.store.SetRole(ctx, &db.RoleAssignment{
		ChatID:     chatID,
		UserID:     userID,
		Role:       string(RoleTrusted),
		AssignedBy: assignedBy,
		AssignedAt: time.Now(),
	}), "set trusted")
}

// Mute marks a user as muted. When trusted users are shielded from
// mutes by policy, muting a trusted user fails instead of silently
// demoting them.
func (r *Resolver) Mute(ctx context.Context, chatID, userID, assignedBy int64) error {
	if r.trustedOverridesMute {
		stored, err := r.store.GetRole(ctx, chatID, userID)
		if err != nil {
			return errors.Wrap(err, "get stored role")
		}
		if Role(stored) == RoleTrusted {
			return errors.Wrapf(sberrors.ErrNoPrivileges, "user %d is trusted in chat %d", userID, chatID)
		}
	}
	return errors.Wrap(r.store.SetRole(ctx, &db.RoleAssignment{
		ChatID:     chatID,
		UserID:     userID,
		Role:       string(RoleMuted),
		AssignedBy: assignedBy,
		AssignedAt: time.Now(),
	}), "set muted")
}

// Clear removes any stored assignment, returning the user to plain
// membership.
func (r *Resolver) Clear(ctx context.Context, chatID, userID int64) error {
	return errors.Wrap(r.store.RemoveRole(ctx, chatID, userID), "remove role")
}
