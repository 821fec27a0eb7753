package subid_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alexlarsson/groot/internal/subid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SubidTest struct {
	suite.Suite
	dir string
}

func TestSubidSuite(t *testing.T) {
	suite.Run(t, new(SubidTest))
}

func (t *SubidTest) SetupTest() {
	t.dir = t.T().TempDir()
}

func (t *SubidTest) writeFile(name, contents string) string {
	p := filepath.Join(t.dir, name)
	require.NoError(t.T(), os.WriteFile(p, []byte(contents), 0644))
	return p
}

func (t *SubidTest) TestIdentityMappingOnly() {
	p := filepath.Join(t.dir, "does-not-exist")

	table, err := subid.BuildTable(p, "alice", 1000)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), subid.Table{{NSStart: 0, HostStart: 1000, Length: 1}}, table)
}

func (t *SubidTest) TestAllocationAppended() {
	p := t.writeFile("subuid", "bob:200000:65536\nalice:100000:65536\nalice:300000:10\n")

	table, err := subid.BuildTable(p, "alice", 1000)

	require.NoError(t.T(), err)
	require.Len(t.T(), table, 3)
	assert.Equal(t.T(), subid.Triple{NSStart: 0, HostStart: 1000, Length: 1}, table[0])
	assert.Equal(t.T(), subid.Triple{NSStart: 1, HostStart: 100000, Length: 65536}, table[1])
	assert.Equal(t.T(), subid.Triple{NSStart: 65537, HostStart: 300000, Length: 10}, table[2])
}

func (t *SubidTest) TestMalformedLinesIgnored() {
	p := t.writeFile("subuid", "alice:notanumber:65536\nalice\nalice:100000:65536\n")

	table, err := subid.BuildTable(p, "alice", 1000)

	require.NoError(t.T(), err)
	require.Len(t.T(), table, 2)
	assert.Equal(t.T(), uint32(100000), table[1].HostStart)
}

func (t *SubidTest) TestArgsRendering() {
	table := subid.Table{
		{NSStart: 0, HostStart: 1000, Length: 1},
		{NSStart: 1, HostStart: 100000, Length: 65536},
	}

	assert.Equal(t.T(), []string{"0", "1000", "1", "1", "100000", "65536"}, table.Args())
}

func (t *SubidTest) TestMaxNamespaceID() {
	table := subid.Table{
		{NSStart: 0, HostStart: 1000, Length: 1},
		{NSStart: 1, HostStart: 100000, Length: 65536},
	}

	assert.Equal(t.T(), uint32(65537), table.MaxNamespaceID())
}
