package suites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const healthyMDStat = `Personalities : [raid1] [raid5]
md1 : active raid5 sdd1[3] sdc1[2] sdb1[1] sda1[0]
      5860145664 blocks super 1.2 level 5, 512k chunk, algorithm 2 [4/4] [UUUU]
      bitmap: 0/15 pages [0KB], 65536KB chunk

md0 : active raid1 sdb2[1] sda2[0]
      2097088 blocks [2/2] [UU]

unused devices: <none>
`

const degradedMDStat = `Personalities : [raid1] [raid5]
md1 : active raid5 sdd1[3] sdc1[2](F) sdb1[1] sda1[0]
      5860145664 blocks super 1.2 level 5, 512k chunk, algorithm 2 [4/3] [UUU_]
      [=>...................]  recovery =  8.5% (166320384/1953381888) finish=150.2min speed=198231K/sec

md0 : active raid1 sdb2[1] sda2[0]
      2097088 blocks [2/2] [UU]

unused devices: <none>
`

func TestParseMDStatHealthy(t *testing.T) {
	arrays := parseMDStat(healthyMDStat)
	require.Len(t, arrays, 2)
	assert.Equal(t, mdArray{
		Name:    "md1",
		State:   "active",
		Level:   "raid5",
		Devices: []string{"sdd1", "sdc1", "sdb1", "sda1"},
		Want:    4,
		Have:    4,
		Map:     "UUUU",
	}, arrays[0])
	assert.True(t, arrays[0].Healthy())
	assert.True(t, arrays[1].Healthy())
	assert.Equal(t, "md0 (active raid1 [2/2] [UU])", arrays[1].String())
}

func TestParseMDStatDegraded(t *testing.T) {
	arrays := parseMDStat(degradedMDStat)
	require.Len(t, arrays, 2)
	md1 := arrays[0]
	assert.False(t, md1.Healthy())
	assert.Equal(t, []string{"sdc1"}, md1.Failed)
	assert.Equal(t, 3, md1.Have)
	assert.Equal(t, "recovery", md1.Sync)
	assert.Equal(t, 8.5, md1.Progress)
	assert.True(t, arrays[1].Healthy())
}

func TestParseMDStatInactiveAndReadOnly(t *testing.T) {
	arrays := parseMDStat("md127 : inactive sdb[0](S)\n      976630488 blocks super 1.2\n\n" +
		"md2 : active (auto-read-only) raid1 sdc[1] sdd[0]\n      100 blocks [2/2] [UU]\n")
	require.Len(t, arrays, 2)
	assert.Equal(t, "inactive", arrays[0].State)
	assert.Equal(t, []string{"sdb"}, arrays[0].Devices)
	assert.False(t, arrays[0].Healthy())
	assert.Equal(t, "raid1", arrays[1].Level)
	assert.True(t, arrays[1].Healthy())

	assert.Empty(t, parseMDStat("Personalities : \nunused devices: <none>\n"))
}
