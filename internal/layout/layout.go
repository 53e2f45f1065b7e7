// Package layout names every coordination-store path and blob path shared by
// the assembler and the distributor.
package layout

import (
	"path"
	"strings"
)

const (
	LastBuiltTarget = "/phrases/assembler/last_built_target"
	NextTarget      = "/phrases/distributor/next_target"
	CurrentTarget   = "/phrases/distributor/current_target"

	distributorRoot = "/phrases/distributor"
	blobRoot        = "/phrases"
)

// Target returns the coordination root for a target.
func Target(target string) string {
	return path.Join(distributorRoot, target)
}

// Partitions returns the parent of every partition of a target.
func Partitions(target string) string {
	return path.Join(Target(target), "partitions")
}

// Partition returns the coordination root for one partition of a target.
// The range name is appended verbatim so that "|mod" stays a single path
// element.
func Partition(target, rng string) string {
	return Partitions(target) + "/" + rng
}

// TrieDataPath returns the cell holding the partition's trie blob location.
func TrieDataPath(target, rng string) string {
	return Partition(target, rng) + "/trie_data_path"
}

// Nodes returns the namespace holding slot claims for a partition.
func Nodes(target, rng string) string {
	return Partition(target, rng) + "/nodes"
}

// Corpus returns the blob path of the ordered corpus file for a target.
func Corpus(stage, target, file string) string {
	return path.Join(blobRoot, stage, target, file)
}

// CorpusRoot returns the blob prefix under which targets are listed.
func CorpusRoot(stage string) string {
	return path.Join(blobRoot, stage) + "/"
}

// Trie returns the blob path of a partition's serialized trie.
func Trie(stage, target, rng string) string {
	return path.Join(blobRoot, stage, target) + "/" + rng
}

// Sink returns the blob path of a batch of raw collected phrases.
func Sink(stage, window, file string) string {
	return path.Join(blobRoot, stage, "phrases", window, file)
}

// TargetFromCorpusPath extracts the target id from a blob name listed
// under CorpusRoot.
func TargetFromCorpusPath(stage, name string) (string, bool) {
	norm := "/" + strings.TrimPrefix(name, "/")
	root := CorpusRoot(stage)
	if !strings.HasPrefix(norm, root) {
		return "", false
	}
	target, _, _ := strings.Cut(norm[len(root):], "/")
	return target, target != ""
}
