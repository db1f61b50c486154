package fieldsync

// IdentityProvider supplies the owner and device identity stamped on every
// action at enqueue time.
type IdentityProvider interface {
	OwnerID() string
	DeviceID() string
}

// StaticIdentity is a fixed identity, the common case for a device signed
// in as one field worker.
type StaticIdentity struct {
	Owner  string
	Device string
}

func (s StaticIdentity) OwnerID() string  { return s.Owner }
func (s StaticIdentity) DeviceID() string { return s.Device }
