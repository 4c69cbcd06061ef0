package leader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBusinessMaster(t *testing.T) {
	b := NewBusiness(RoleMaster, func() string { return "aid-1" })
	assert.Equal(t, RoleMaster, b.Role())
	assert.NoError(t, b.Mutate())
}

func TestNewBusinessSlaveRejectsMutation(t *testing.T) {
	b := NewBusiness(RoleSlave, func() string { return "aid-7" })
	assert.Equal(t, RoleSlave, b.Role())

	err := b.Mutate()
	require.Error(t, err)

	var changed *ErrMasterChanged
	require.ErrorAs(t, err, &changed)
	assert.Equal(t, "aid-7", changed.MasterAID)
}

func TestStaticWatcherNotifiesOnRoleChange(t *testing.T) {
	w := NewStaticWatcher(RoleSlave, "aid-1")

	var seen []Info
	w.Subscribe(func(info Info) { seen = append(seen, info) })
	require.Len(t, seen, 1)
	assert.Equal(t, RoleSlave, seen[0].Role)

	w.SetRole(RoleMaster, "aid-1")
	require.Len(t, seen, 2)
	assert.Equal(t, RoleMaster, seen[1].Role)
	assert.Equal(t, RoleMaster, w.Current().Role)
}
