package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"cloudcache/internal/common"
	"cloudcache/internal/models"
)

func TestRemoteError(t *testing.T) {
	t.Parallel()

	t.Run("wraps and unwraps", func(t *testing.T) {
		t.Parallel()
		err := Wrap("drive", "get", common.ErrNotFound)

		var remote *RemoteError
		assert.True(t, errors.As(err, &remote))
		assert.Equal(t, "drive", remote.Provider)
		assert.Equal(t, "get", remote.Op)
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.Equal(t, "drive: get failed: not found", err.Error())
	})

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, Wrap("drive", "get", nil))
	})
}

func TestParentMapping(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", ParentKey(models.RootID))
	assert.Equal(t, "", ParentKey(""))
	assert.Equal(t, "docs", ParentKey("docs"))
	assert.Equal(t, models.RootID, ParentID(""))
	assert.Equal(t, "docs", ParentID("docs"))
}
