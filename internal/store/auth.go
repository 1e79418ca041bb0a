package store

import "github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"

// Authorizer answers yes/no capability questions about a session and a
// record. Policy evaluation proper belongs to the surrounding application;
// the engine only consumes the answers.
type Authorizer interface {
	CanRead(s model.Session, rec *model.FileRecord) bool
	CanWrite(s model.Session, rec *model.FileRecord) bool
}

// RoleAuthorizer is the default policy: public records are readable by
// everyone, private ones by their owner; writes require an editing role,
// and protected or private records additionally require ownership, a
// reviewer role, or admin.
type RoleAuthorizer struct{}

func (RoleAuthorizer) CanRead(s model.Session, rec *model.FileRecord) bool {
	if s.IsAdmin() || rec.Visibility != model.VisibilityPrivate {
		return true
	}
	return rec.Owner == s.User
}

func (RoleAuthorizer) CanWrite(s model.Session, rec *model.FileRecord) bool {
	if !s.CanEdit() {
		return false
	}
	if s.IsAdmin() {
		return true
	}
	if rec.Visibility == model.VisibilityPrivate && rec.Owner != s.User {
		return false
	}
	if rec.Editability == model.EditabilityProtected {
		return rec.Owner == s.User || s.Role == model.RoleReviewer
	}
	return true
}

var _ Authorizer = RoleAuthorizer{}
