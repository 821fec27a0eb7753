package mount_test

import (
	"testing"

	"github.com/alexlarsson/groot/internal/mount"
	"github.com/stretchr/testify/assert"
)

func TestBuildFUSEOptionsFieldOrder(t *testing.T) {
	got := mount.BuildFUSEOptions(7)

	assert.Equal(t, "fd=7,rootmode=0040000,user_id=0,group_id=0,allow_other", got)
}

func TestBuildFUSEOptionsDifferentFd(t *testing.T) {
	got := mount.BuildFUSEOptions(123)

	assert.Equal(t, "fd=123,rootmode=0040000,user_id=0,group_id=0,allow_other", got)
}
