package domain

import "time"

// Token represents issued access token metadata. The signed form travels to
// the client; the server keeps no copy.
type Token struct {
	ID        string
	SubjectID string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}
