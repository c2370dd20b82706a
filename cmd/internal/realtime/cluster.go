package realtime

import (
	"context"

	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"
)

// Relay is a stored message addressed to a user connected to another instance.
type Relay struct {
	ReceiverID int64      `json:"receiver_id"`
	Message    v1.Message `json:"message"`
}

// Cluster shares presence between server instances and relays deliveries to the
// instance that holds the receiver's connection.
//
// Local Presence stays authoritative for connections on this instance; Cluster only
// answers "which other instance has this user".
type Cluster interface {
	// InstanceID identifies this process.
	InstanceID() string
	// Announce marks userID as connected to this instance.
	Announce(ctx context.Context, userID int64) error
	// Withdraw clears userID's entry if it still points at this instance.
	Withdraw(ctx context.Context, userID int64) error
	// Locate returns the instance holding userID, if any.
	Locate(ctx context.Context, userID int64) (instanceID string, ok bool, err error)
	// Forward publishes r to instanceID.
	Forward(ctx context.Context, instanceID string, r Relay) error
	// Run consumes relays addressed to this instance until ctx is done.
	Run(ctx context.Context, deliver func(Relay)) error
}
