package flowengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataValueAndScan(t *testing.T) {
	v, err := Metadata(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var m Metadata
	require.NoError(t, m.Scan([]byte(`{"customer_id":42,"service_type":"fiber"}`)))
	assert.Equal(t, int64(42), m.Int64("customer_id"))
	assert.Equal(t, "42", m.String("customer_id"))
	assert.Equal(t, "fiber", m.String("service_type"))
	assert.Equal(t, "", m.String("absent"))

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)

	assert.Error(t, m.Scan(12))
	assert.Error(t, m.Scan("{not json"))
}

func TestMetadataClone(t *testing.T) {
	orig := Metadata{"a": "b"}
	clone := orig.Clone()
	clone["a"] = "c"
	assert.Equal(t, "b", orig["a"])
	assert.Nil(t, Metadata(nil).Clone())
}

func TestActivationStatus(t *testing.T) {
	for _, s := range []ActivationStatus{StatusCompleted, StatusFailed, StatusRollbackCompleted, StatusRollbackFailed} {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	for _, s := range []ActivationStatus{StatusPending, StatusInProgress, StatusRollbackInProgress} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, ActivationStatus("DONE").Valid())
}
