package services

import "context"

// StaticIdentity is the daemon's identity: a user id fixed by configuration.
// Credentials for the remote services are managed by their client libraries,
// so refreshing is a no-op.
type StaticIdentity struct {
	userID   string
	deviceID string
}

func NewStaticIdentity(userID, deviceID string) *StaticIdentity {
	return &StaticIdentity{userID: userID, deviceID: deviceID}
}

func (s *StaticIdentity) CurrentUserID() (string, bool) {
	return s.userID, s.userID != ""
}

func (s *StaticIdentity) RefreshToken(ctx context.Context) error {
	return ctx.Err()
}

// DeviceID identifies this installation on the pins it creates.
func (s *StaticIdentity) DeviceID() string {
	return s.deviceID
}
