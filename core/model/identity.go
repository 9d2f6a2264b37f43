package model

// Identity is the authenticated caller of an operation.
type Identity struct {
	Subject  string `json:"sub"`
	Email    string `json:"email,omitempty"`
	Username string `json:"preferred_username,omitempty"`
}

const systemSubject = "system"

// SystemIdentity is the actor of automatic decisions.
func SystemIdentity() Identity {
	return Identity{Subject: systemSubject, Username: systemSubject}
}

// Anonymous is used when authentication is disabled.
func Anonymous() Identity {
	return Identity{Subject: "anonymous"}
}

// IsSystem reports whether the identity is the system actor.
func (i Identity) IsSystem() bool { return i.Subject == systemSubject }

// Label returns the most readable name of the identity.
func (i Identity) Label() string {
	switch {
	case i.Username != "":
		return i.Username
	case i.Email != "":
		return i.Email
	case i.Subject != "":
		return i.Subject
	}
	return "anonymous"
}
