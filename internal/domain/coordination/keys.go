package coordination

import (
	"strings"
)

// Kind names a family of fenced workflows.
type Kind string

const (
	KindIndexing Kind = "connectorindexing"
	KindDeletion Kind = "connectordeletion"
)

// ActiveFencesKey is the index set holding every live fence key so monitors
// can enumerate in-flight workflows in one call.
const ActiveFencesKey = "active_fences"

const (
	fenceInfix     = "_fence_"
	tasksetInfix   = "_taskset_"
	activeInfix    = "_active_"
	stopFenceInfix = "stop_fence_"
	stopTimerInfix = "stop_timeout_"
)

// TenantKey scopes key to a tenant. The default and empty tenants share the
// unscoped keyspace.
func TenantKey(tenantID, key string) string {
	if tenantID == "" || tenantID == "public" {
		return key
	}
	return tenantID + ":" + key
}

func FenceKey(kind Kind, entityID string) string   { return string(kind) + fenceInfix + entityID }
func TasksetKey(kind Kind, entityID string) string { return string(kind) + tasksetInfix + entityID }
func ActiveKey(kind Kind, entityID string) string  { return string(kind) + activeInfix + entityID }

func StopFenceKey(kind Kind, entityID string) string {
	return string(kind) + stopFenceInfix + entityID
}

func StopTimeoutKey(kind Kind, entityID string) string {
	return string(kind) + stopTimerInfix + entityID
}

// ParseFenceKey splits a (possibly tenant scoped) fence key into its kind and
// entity ID.
func ParseFenceKey(key string) (Kind, string, bool) {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		key = key[i+1:]
	}
	kind, entityID, ok := strings.Cut(key, fenceInfix)
	if !ok || kind == "" || entityID == "" {
		return "", "", false
	}
	if strings.HasSuffix(kind, "stop") {
		return "", "", false
	}
	return Kind(kind), entityID, true
}

// ParseScopedFenceKey is ParseFenceKey that also returns the tenant prefix.
// Unscoped keys belong to the default tenant and yield an empty tenant ID.
func ParseScopedFenceKey(key string) (tenantID string, kind Kind, entityID string, ok bool) {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		tenantID = key[:i]
	}
	kind, entityID, ok = ParseFenceKey(key)
	if !ok {
		return "", "", "", false
	}
	return tenantID, kind, entityID, true
}
