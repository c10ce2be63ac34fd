package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haasonsaas/dirsync/pkg/directory"
)

// RecordSource identifies where a synchronized record came from.
type RecordSource struct {
	AgentID      string
	SubmissionID string
	SyncedAt     time.Time
}

func joinJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func upsert(ctx context.Context, tx *gorm.DB, row any, columns ...string) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "object_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(row).Error
}

// UpsertUser stores the latest state of a user keyed by (domain, object id).
func UpsertUser(ctx context.Context, tx *gorm.DB, src RecordSource, u directory.User) error {
	row := DirectoryUser{
		Domain:            u.Domain,
		ObjectID:          u.ObjectID,
		AgentID:           src.AgentID,
		SubmissionID:      src.SubmissionID,
		SamAccountName:    u.SamAccountName,
		UserPrincipalName: u.UserPrincipalName,
		DisplayName:       u.DisplayName,
		Email:             u.Email,
		DistinguishedName: u.DistinguishedName,
		Enabled:           u.Enabled,
		LastLogon:         u.LastLogon,
		PasswordLastSet:   u.PasswordLastSet,
		MemberOf:          joinJSON(u.MemberOf),
		SyncedAt:          src.SyncedAt,
	}
	return upsert(ctx, tx, &row,
		"agent_id", "submission_id", "sam_account_name", "user_principal_name", "display_name",
		"email", "distinguished_name", "enabled", "last_logon", "password_last_set", "member_of", "synced_at")
}

// UpsertGroup stores the latest state of a group keyed by (domain, object id).
func UpsertGroup(ctx context.Context, tx *gorm.DB, src RecordSource, g directory.Group) error {
	row := DirectoryGroup{
		Domain:            g.Domain,
		ObjectID:          g.ObjectID,
		AgentID:           src.AgentID,
		SubmissionID:      src.SubmissionID,
		Name:              g.Name,
		Description:       g.Description,
		DistinguishedName: g.DistinguishedName,
		Scope:             g.Scope,
		Category:          g.Category,
		Members:           joinJSON(g.Members),
		SyncedAt:          src.SyncedAt,
	}
	return upsert(ctx, tx, &row,
		"agent_id", "submission_id", "name", "description", "distinguished_name",
		"scope", "category", "members", "synced_at")
}

// UpsertPolicy stores the latest state of a policy keyed by (domain, object id).
func UpsertPolicy(ctx context.Context, tx *gorm.DB, src RecordSource, p directory.Policy) error {
	row := DirectoryPolicy{
		Domain:       p.Domain,
		ObjectID:     p.ObjectID,
		AgentID:      src.AgentID,
		SubmissionID: src.SubmissionID,
		Name:         p.Name,
		Status:       p.Status,
		Version:      p.Version,
		LinkedTo:     joinJSON(p.LinkedTo),
		Settings:     joinJSON(p.Settings),
		ModifiedTime: p.ModifiedTime,
		SyncedAt:     src.SyncedAt,
	}
	return upsert(ctx, tx, &row,
		"agent_id", "submission_id", "name", "status", "version",
		"linked_to", "settings", "modified_time", "synced_at")
}
