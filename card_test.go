package kmsvideo_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buldo/kmsvideo"
)

// openTestCard opens card 0 and skips when no DRM device is present,
// so the suite stays runnable on headless CI machines.
func openTestCard(t *testing.T) *os.File {
	t.Helper()
	file, err := kmsvideo.OpenCard(0)
	if err != nil {
		t.Skipf("no DRM card available: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	return file
}

func TestGetVersion(t *testing.T) {
	file := openTestCard(t)

	v, err := kmsvideo.GetVersion(file)
	require.NoError(t, err)
	require.NotEmpty(t, v.Name)

	t.Logf("driver: %s %d.%d.%d (%s)", v.Name, v.Major, v.Minor, v.Patch, v.Date)
}

func TestGetCap(t *testing.T) {
	file := openTestCard(t)

	prime, err := kmsvideo.GetCap(file, kmsvideo.CapPrime)
	require.NoError(t, err)
	t.Logf("dumb buffers: %v", kmsvideo.HasDumbBuffer(file))
	t.Logf("async page flip: %v", kmsvideo.HasAsyncPageFlip(file))
	t.Logf("prime: %#x", prime)
}

func TestEnableAtomic(t *testing.T) {
	file := openTestCard(t)

	if err := kmsvideo.EnableAtomic(file); err != nil {
		t.Skipf("driver has no atomic support: %v", err)
	}
}
