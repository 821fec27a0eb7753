package grootfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

func TestRelPath(t *testing.T) {
	assert.Equal(t, ".", relPath(""))
	assert.Equal(t, ".", relPath("/"))
	assert.Equal(t, "a/b", relPath("/a/b"))
	assert.Equal(t, "a/b", relPath("a/b"))
}

func TestRealBitsFor(t *testing.T) {
	assert.Equal(t, uint32(0755), realBitsFor(0, true))
	assert.Equal(t, uint32(0755), realBitsFor(unix.S_IXUSR, false))
	assert.Equal(t, uint32(0644), realBitsFor(0644, false))
}

func TestSidecarNaming(t *testing.T) {
	name := sidecarName(5, 0xabc)
	assert.Equal(t, ".groot.symlink.5_abc", name)
	assert.True(t, isSidecarName(name))
	assert.False(t, isSidecarName("regular-file"))
}

// DriverTest exercises the driver against a real temporary directory.
// Extended attribute support is required by several operations; the
// suite skips itself when the backing filesystem does not support user
// xattrs, rather than fail on environments such as overlayfs-without-
// xattr or restrictive CI sandboxes.
type DriverTest struct {
	suite.Suite
	dir    string
	basefd int
	driver *Driver
}

func TestDriverSuite(t *testing.T) {
	suite.Run(t, new(DriverTest))
}

func (t *DriverTest) SetupTest() {
	t.dir = t.T().TempDir()
	fd, err := unix.Open(t.dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t.T(), err)
	t.basefd = fd
	t.driver = NewDriver(fd, 65536, 65536)

	probe := filepath.Join(t.dir, ".xattr-probe")
	require.NoError(t.T(), os.WriteFile(probe, nil, 0644))
	if err := xattr.Set(probe, "user.groot-probe", []byte("x")); err != nil {
		t.T().Skipf("backing filesystem does not support user xattrs: %v", err)
	}
}

func (t *DriverTest) TearDownTest() {
	if t.basefd != 0 {
		unix.Close(t.basefd)
	}
}

func (t *DriverTest) TestMkdirThenChownIsVisibleInGetAttr() {
	require.NoError(t.T(), t.driver.Mkdir("d", 0755, 0, 0))

	require.NoError(t.T(), t.driver.Chown("d", 1000, 1000))

	attr, err := t.driver.GetAttr("d")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(1000), attr.UID)
	assert.Equal(t.T(), uint32(1000), attr.GID)
}

func (t *DriverTest) TestChmodRecordsClaimedModeButRealBitsAreSafe() {
	h, err := t.driver.Create("f", unix.O_CREAT|unix.O_WRONLY, 0644, 0, 0)
	require.NoError(t.T(), err)
	require.NoError(t.T(), h.Release())

	require.NoError(t.T(), t.driver.Chmod("f", 04755))

	attr, err := t.driver.GetAttr("f")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(04755), attr.Mode&(modeMask))

	var real unix.Stat_t
	require.NoError(t.T(), unix.Fstatat(t.basefd, "f", &real, unix.AT_SYMLINK_NOFOLLOW))
	assert.Equal(t.T(), uint32(0755), real.Mode&0777)
}

func (t *DriverTest) TestCreateNewFileWritesRecordExistingFileDoesNot() {
	h, err := t.driver.Create("f", unix.O_CREAT|unix.O_WRONLY, 0600, 42, 42)
	require.NoError(t.T(), err)
	require.NoError(t.T(), h.Release())

	attr, err := t.driver.GetAttr("f")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(42), attr.UID)

	// Re-open without O_EXCL: must not clobber the existing claim.
	h2, err := t.driver.Create("f", unix.O_CREAT|unix.O_WRONLY, 0600, 7, 7)
	require.NoError(t.T(), err)
	require.NoError(t.T(), h2.Release())

	attr2, err := t.driver.GetAttr("f")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(42), attr2.UID)
}

func (t *DriverTest) TestSymlinkSidecarRemovedOnUnlink() {
	require.NoError(t.T(), t.driver.Symlink("/target", "link", 0, 0))
	require.NoError(t.T(), t.driver.Chown("link", 0, 0))

	attr, err := t.driver.GetAttr("link")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(0), attr.UID)

	require.NoError(t.T(), t.driver.Unlink("link"))

	entries, err := os.ReadDir(t.dir)
	require.NoError(t.T(), err)
	for _, e := range entries {
		assert.False(t.T(), isSidecarName(e.Name()))
	}
}

func (t *DriverTest) TestReadDirHidesSidecars() {
	require.NoError(t.T(), t.driver.Symlink("/target", "link", 0, 0))

	entries, err := t.driver.ReadDir(".")
	require.NoError(t.T(), err)
	for _, e := range entries {
		assert.False(t.T(), isSidecarName(e.Name))
	}
}

func (t *DriverTest) TestSetxattrRoundTripHidesInternalRecord() {
	h, err := t.driver.Create("f", unix.O_CREAT|unix.O_WRONLY, 0644, 0, 0)
	require.NoError(t.T(), err)
	require.NoError(t.T(), h.Release())

	require.NoError(t.T(), t.driver.Setxattr("f", "foo", []byte("bar"), 0))

	v, err := t.driver.Getxattr("f", "foo")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []byte("bar"), v)

	names, err := t.driver.Listxattr("f")
	require.NoError(t.T(), err)
	assert.Contains(t.T(), names, "foo")
	assert.NotContains(t.T(), names, "grootfs")
}

func (t *DriverTest) TestAccessAlwaysSucceeds() {
	assert.NoError(t.T(), t.driver.Access("nonexistent", unix.W_OK))
}

func (t *DriverTest) TestMknodRefused() {
	err := t.driver.Mknod("dev", 0600, 0)
	assert.Equal(t.T(), unix.EROFS, err)
}
