package diff

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/sidkik/treesync/pkg/tree"
)

// Plan is the work needed to apply a Result: the remote files to download,
// and the local paths to delete.
type Plan struct {
	Fetch []*tree.File
	Prune []string

	// FetchBytes is the total size of the files in Fetch.
	FetchBytes int64
}

// NewPlan resolves the paths that need to be downloaded to their entries in
// `remote`, so that the caller knows the size and expected hash of each
// download. Paths that aren't files in `remote` are dropped.
func NewPlan(result Result, remote *tree.Dir) Plan {
	remoteFiles := lo.KeyBy(tree.Flatten(remote), func(f *tree.File) string {
		return f.Path()
	})

	fetch := lo.FilterMap(result.Fetch(), func(path string, _ int) (*tree.File, bool) {
		f, ok := remoteFiles[path]
		return f, ok
	})

	return Plan{
		Fetch: fetch,
		Prune: append([]string{}, result.Extra...),
		FetchBytes: lo.SumBy(fetch, func(f *tree.File) int64 {
			return f.Size()
		}),
	}
}

// Empty returns whether there's nothing to do.
func (p Plan) Empty() bool {
	return len(p.Fetch) == 0 && len(p.Prune) == 0
}

func (p Plan) String() string {
	if p.Empty() {
		return "up to date"
	}
	return fmt.Sprintf("fetch %s (%s), prune %s",
		pluralize(len(p.Fetch), "file"),
		humanize.Bytes(uint64(p.FetchBytes)),
		pluralize(len(p.Prune), "file"))
}

func pluralize(n int, noun string) string {
	if n != 1 {
		noun += "s"
	}
	return fmt.Sprintf("%s %s", humanize.Comma(int64(n)), noun)
}
