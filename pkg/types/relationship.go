package types

import "time"

// Friendship statuses.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
	FriendshipDeclined = "declined"
	FriendshipBlocked  = "blocked"
)

var validFriendshipStatuses = map[string]bool{
	FriendshipPending:  true,
	FriendshipAccepted: true,
	FriendshipDeclined: true,
	FriendshipBlocked:  true,
}

// ValidFriendshipStatus reports whether status is recognized.
func ValidFriendshipStatus(status string) bool {
	return validFriendshipStatuses[status]
}

// Friendship is one direction of a symmetric relationship. Every relationship
// is stored as two rows, one per direction, sharing Status and RequestedBy.
type Friendship struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	FriendID    string    `json:"friendId"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requestedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FriendshipID returns the deterministic id of the edge owned by ownerID and
// pointing at otherID. The id is directional: FriendshipID(a, b) and
// FriendshipID(b, a) address the two rows of one relationship.
func FriendshipID(ownerID, otherID string) string {
	return hashWithDomain(DomainFriendship, []byte(ownerID), []byte(otherID))
}

// Canonical reports whether the edge sits at its deterministic address.
func (f *Friendship) Canonical() bool {
	return f.ID == FriendshipID(f.UserID, f.FriendID)
}
