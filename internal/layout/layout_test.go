package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordinationPaths(t *testing.T) {
	assert.Equal(t, "/phrases/distributor/20200101/partitions", Partitions("20200101"))
	assert.Equal(t, "/phrases/distributor/20200101/partitions/|mod/trie_data_path", TrieDataPath("20200101", "|mod"))
	assert.Equal(t, "/phrases/distributor/20200101/partitions/mod|/nodes", Nodes("20200101", "mod|"))
}

func TestBlobPaths(t *testing.T) {
	assert.Equal(t, "/phrases/4_with_weight_ordered/20200101/part-r-00000", Corpus("4_with_weight_ordered", "20200101", "part-r-00000"))
	assert.Equal(t, "/phrases/5_tries/20200101/|mod", Trie("5_tries", "20200101", "|mod"))
	assert.Equal(t, "/phrases/1_sink/phrases/2020010112/1", Sink("1_sink", "2020010112", "1"))
}

func TestTargetFromCorpusPath(t *testing.T) {
	target, ok := TargetFromCorpusPath("4_with_weight_ordered", "phrases/4_with_weight_ordered/20200102/part-r-00000")
	assert.True(t, ok)
	assert.Equal(t, "20200102", target)

	target, ok = TargetFromCorpusPath("4_with_weight_ordered", "/phrases/4_with_weight_ordered/20200103/part-r-00000")
	assert.True(t, ok)
	assert.Equal(t, "20200103", target)

	_, ok = TargetFromCorpusPath("4_with_weight_ordered", "/phrases/5_tries/20200102/|mod")
	assert.False(t, ok)
}
