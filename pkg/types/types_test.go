package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerIDTree(t *testing.T) {
	c1 := NewContainerID("c1")
	c2 := NewNestedContainerID(c1, "c2")
	c3 := NewNestedContainerID(c2, "c3")

	assert.False(t, c1.HasParent())
	assert.True(t, c2.HasParent())
	assert.True(t, c3.HasParent())

	assert.Equal(t, "c1", c1.String())
	assert.Equal(t, "c1.c2", c2.String())
	assert.Equal(t, "c1.c2.c3", c3.String())

	assert.Equal(t, c1, c2.Root())
	assert.Equal(t, c1, c3.Root())
	assert.Equal(t, []string{"c1", "c2", "c3"}, c3.Levels())
}

func TestContainerIDCheckpoint(t *testing.T) {
	c1 := NewContainerID("c1")
	c2 := NewNestedContainerID(c1, "c2")

	data, err := json.Marshal(c2)
	require.NoError(t, err)

	var decoded ContainerID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "c1.c2", decoded.String())
	assert.Equal(t, c1, decoded.Root())
}

func TestCommandInfoMerge(t *testing.T) {
	base := CommandInfo{
		Shell: true,
		Value: "/bin/sleep 30",
		Environment: map[string]string{
			"A": "1",
		},
	}

	base.Merge(CommandInfo{
		Shell:     false,
		Value:     "/bin/true",
		Arguments: []string{"--flag"},
		Environment: map[string]string{
			"A": "2",
			"B": "3",
		},
	})

	assert.Equal(t, "/bin/true", base.Value)
	assert.False(t, base.Shell)
	assert.Equal(t, []string{"--flag"}, base.Arguments)
	assert.Equal(t, "2", base.Environment["A"])
	assert.Equal(t, "3", base.Environment["B"])
}

func TestCommandInfoMergeKeepsUnsetFields(t *testing.T) {
	base := CommandInfo{Shell: true, Value: "/bin/sleep 30", User: "nobody"}

	base.Merge(CommandInfo{Arguments: []string{"-v"}})

	assert.Equal(t, "/bin/sleep 30", base.Value)
	assert.True(t, base.Shell)
	assert.Equal(t, "nobody", base.User)
}

func TestResourceStatisticsMerge(t *testing.T) {
	var total ResourceStatistics
	total.Merge(ResourceStatistics{CPUsUserTimeSecs: 1.5, MemRSSBytes: 1024})
	total.Merge(ResourceStatistics{CPUsUserTimeSecs: 0.5, MemRSSBytes: 2048, MemLimitBytes: 4096})

	assert.Equal(t, 2.0, total.CPUsUserTimeSecs)
	assert.Equal(t, int64(3072), total.MemRSSBytes)
	assert.Equal(t, int64(4096), total.MemLimitBytes)
}
