package enforcer

// Signal asks the enforcer to cut off an identity.
type Signal struct {
	Identity string
	Reason   string // "expired", or "recovered" when the stored reason was lost
}

const pendingKeyPrefix = "revoke:pending:"

func pendingKey(identity string) string {
	return pendingKeyPrefix + identity
}
