// Package directory defines the directory-service records collected by
// agents and persisted by the sync server.
package directory

import (
	"errors"
	"strings"
	"time"
)

// User is a directory user account.
type User struct {
	ObjectID          string     `json:"object_id"`
	Domain            string     `json:"domain"`
	SamAccountName    string     `json:"sam_account_name"`
	UserPrincipalName string     `json:"user_principal_name,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	Email             string     `json:"email,omitempty"`
	DistinguishedName string     `json:"distinguished_name,omitempty"`
	Enabled           bool       `json:"enabled"`
	LastLogon         *time.Time `json:"last_logon,omitempty"`
	PasswordLastSet   *time.Time `json:"password_last_set,omitempty"`
	MemberOf          []string   `json:"member_of,omitempty"`
}

// Group is a directory security or distribution group.
type Group struct {
	ObjectID          string   `json:"object_id"`
	Domain            string   `json:"domain"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	DistinguishedName string   `json:"distinguished_name,omitempty"`
	Scope             string   `json:"scope,omitempty"`
	Category          string   `json:"category,omitempty"`
	Members           []string `json:"members,omitempty"`
}

// Policy is a group policy object with its settings flattened to strings.
type Policy struct {
	ObjectID     string            `json:"object_id"`
	Domain       string            `json:"domain"`
	Name         string            `json:"name"`
	Status       string            `json:"status,omitempty"`
	Version      int               `json:"version,omitempty"`
	LinkedTo     []string          `json:"linked_to,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
	ModifiedTime *time.Time        `json:"modified_time,omitempty"`
}

var (
	ErrMissingObjectID = errors.New("object_id is required")
	ErrMissingDomain   = errors.New("domain is required")
	ErrMissingName     = errors.New("name is required")
)

func (u *User) Validate() error {
	if strings.TrimSpace(u.ObjectID) == "" {
		return ErrMissingObjectID
	}
	if strings.TrimSpace(u.Domain) == "" {
		return ErrMissingDomain
	}
	if strings.TrimSpace(u.SamAccountName) == "" {
		return errors.New("sam_account_name is required")
	}
	return nil
}

func (g *Group) Validate() error {
	if strings.TrimSpace(g.ObjectID) == "" {
		return ErrMissingObjectID
	}
	if strings.TrimSpace(g.Domain) == "" {
		return ErrMissingDomain
	}
	if strings.TrimSpace(g.Name) == "" {
		return ErrMissingName
	}
	return nil
}

func (p *Policy) Validate() error {
	if strings.TrimSpace(p.ObjectID) == "" {
		return ErrMissingObjectID
	}
	if strings.TrimSpace(p.Domain) == "" {
		return ErrMissingDomain
	}
	if strings.TrimSpace(p.Name) == "" {
		return ErrMissingName
	}
	return nil
}
