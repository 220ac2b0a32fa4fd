package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	state, err := Create(dir, TypeSync, "webdav://host/data", "Main", []uint64{1, 2, 3}, []string{"vocals.mp3"})
	require.NoError(t, err)
	require.FileExists(t, state.Path())

	loaded, err := Load(state.Path())
	require.NoError(t, err)
	assert.Equal(t, TypeSync, loaded.OperationType)
	assert.Equal(t, "webdav://host/data", loaded.Source)
	assert.Equal(t, "Main", loaded.TargetLocation)
	assert.Equal(t, []string{"vocals.mp3"}, loaded.Components)
	assert.Equal(t, state.OperationID, loaded.OperationID)
	assert.Equal(t, map[uint64]string{1: StatusPending, 2: StatusPending, 3: StatusPending}, loaded.Files)
}

func TestHashKeysSerializedAsStrings(t *testing.T) {
	dir := t.TempDir()
	state, err := Create(dir, TypeMove, "SSD_Fast", "Main", []uint64{18446744073709551615}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(state.Path())
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	files := raw["files"].(map[string]interface{})
	_, exists := files["18446744073709551615"]
	assert.True(t, exists)
}

func TestUpdateAndPendingOrFailed(t *testing.T) {
	dir := t.TempDir()
	state, err := Create(dir, TypeSync, "src", "Main", []uint64{1, 2, 3}, nil)
	require.NoError(t, err)

	require.NoError(t, state.Update(1, StatusDone))
	require.NoError(t, state.Update(2, Failed("size mismatch")))
	require.NoError(t, state.Update(99, StatusDone)) // unknown hash is ignored

	loaded, err := Load(state.Path())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, loaded.Files[1])
	assert.Equal(t, "failed: size mismatch", loaded.Files[2])
	assert.Equal(t, StatusPending, loaded.Files[3])

	assert.Equal(t, []uint64{2, 3}, loaded.PendingOrFailed())
	assert.Equal(t, 1, loaded.FailedCount())
}

func TestLoadRejectsMalformedState(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "operation_sync_1.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	path = filepath.Join(dir, "operation_sync_2.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"timestamp": 1}`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	state, err := Create(dir, TypeSync, "src", "Main", []uint64{1}, nil)
	require.NoError(t, err)

	require.NoError(t, state.Delete())
	_, err = os.Stat(state.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestFindLatest(t *testing.T) {
	dir := t.TempDir()

	first, err := Create(dir, TypeSync, "src", "Main", []uint64{1}, nil)
	require.NoError(t, err)
	// make sure the second file is younger even on coarse mtime resolution
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(first.Path(), old, old))

	second, err := Create(dir, TypeSync, "src", "Main", []uint64{2}, nil)
	require.NoError(t, err)
	_, err = Create(dir, TypeMove, "SSD", "Main", []uint64{3}, nil)
	require.NoError(t, err)

	latest, err := FindLatest(dir, TypeSync)
	require.NoError(t, err)
	assert.Equal(t, second.Path(), latest)

	none, err := FindLatest(t.TempDir(), TypeMove)
	require.NoError(t, err)
	assert.Empty(t, none)
}
