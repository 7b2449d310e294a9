package access

type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalDevice PrincipalKind = "device"
)

// Principal is the per-request caller identity. A user principal keeps the
// device hash of the browser it came from so guest state stays reachable.
type Principal struct {
	Kind       PrincipalKind
	UserID     string
	Email      string
	DeviceHash string
}

func UserPrincipal(userID, email, deviceHash string) Principal {
	return Principal{Kind: PrincipalUser, UserID: userID, Email: email, DeviceHash: deviceHash}
}

func DevicePrincipal(deviceHash string) Principal {
	return Principal{Kind: PrincipalDevice, DeviceHash: deviceHash}
}

func (p Principal) IsUser() bool {
	return p.Kind == PrincipalUser && p.UserID != ""
}

// IdentityKey is the key of the grant that is authoritative for p.
func (p Principal) IdentityKey() string {
	if p.IsUser() {
		return AccountKey(p.UserID)
	}
	return p.DeviceHash
}

// IdentityKeys lists every key associated with p, guest key first.
func (p Principal) IdentityKeys() []string {
	keys := make([]string, 0, 2)
	if p.DeviceHash != "" {
		keys = append(keys, p.DeviceHash)
	}
	if p.IsUser() {
		keys = append(keys, AccountKey(p.UserID))
	}
	return keys
}
