package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFenceKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		wantKind Kind
		wantID   string
		wantOK   bool
	}{
		{name: "indexing", key: FenceKey(KindIndexing, "7/1"), wantKind: KindIndexing, wantID: "7/1", wantOK: true},
		{name: "tenant scoped", key: TenantKey("acme", FenceKey(KindDeletion, "9")), wantKind: KindDeletion, wantID: "9", wantOK: true},
		{name: "stop fence ignored", key: StopFenceKey(KindIndexing, "7"), wantOK: false},
		{name: "taskset ignored", key: TasksetKey(KindDeletion, "9"), wantOK: false},
		{name: "missing entity", key: "connectordeletion_fence_", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id, ok := ParseFenceKey(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKind, kind)
				assert.Equal(t, tt.wantID, id)
			}
		})
	}
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "connectordeletion_fence_9", FenceKey(KindDeletion, "9"))
	assert.Equal(t, "connectordeletion_taskset_9", TasksetKey(KindDeletion, "9"))
	assert.Equal(t, "connectordeletion_active_9", ActiveKey(KindDeletion, "9"))
	assert.Equal(t, "connectorindexingstop_fence_3", StopFenceKey(KindIndexing, "3"))
	assert.Equal(t, "connectorindexingstop_timeout_3", StopTimeoutKey(KindIndexing, "3"))
	assert.Equal(t, "acme:active_fences", TenantKey("acme", ActiveFencesKey))
	assert.Equal(t, "active_fences", TenantKey("public", ActiveFencesKey))
}

func TestParseScopedFenceKey(t *testing.T) {
	tenant, kind, id, ok := ParseScopedFenceKey(TenantKey("acme", FenceKey(KindIndexing, "4/2")))
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, KindIndexing, kind)
	assert.Equal(t, "4/2", id)

	tenant, _, _, ok = ParseScopedFenceKey(FenceKey(KindDeletion, "1"))
	assert.True(t, ok)
	assert.Empty(t, tenant)

	_, _, _, ok = ParseScopedFenceKey("acme:" + StopFenceKey(KindIndexing, "1"))
	assert.False(t, ok)
}
