package util

import (
	"context"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/store"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var (
	Fs                  = afero.NewOsFs()
	Stdin     io.Reader = os.Stdin
	ParseConf           = config.Parse
)

// Filters holds the filter flags shared by the commands that hash
// directories.
type Filters struct {
	Category string
	Include  []string
	Exclude  []string
}

// AddFilterFlags registers the filter flags on `cmd`.
func AddFilterFlags(cmd *cobra.Command, f *Filters) {
	cmd.Flags().StringVar(&f.Category, "category", "",
		"Use the filters configured for this category.")
	cmd.Flags().StringArrayVar(&f.Include, "include", nil,
		"Only include paths matching this regular expression. Can be repeated.")
	cmd.Flags().StringArrayVar(&f.Exclude, "exclude", nil,
		"Exclude paths matching this regular expression. Can be repeated.")
}

// Resolve returns the patterns to hash with. Patterns given on the command
// line are added to the ones configured for the category.
func (f Filters) Resolve(cfg config.Config) config.Category {
	filters := cfg.Filters(f.Category)
	return config.Category{
		Include: append(append([]string{}, filters.Include...), f.Include...),
		Exclude: append(append([]string{}, filters.Exclude...), f.Exclude...),
	}
}

// NewHasher creates a hasher configured by `cfg`.
func NewHasher(cfg config.Config, opts ...hasher.Option) *hasher.Hasher {
	opts = append([]hasher.Option{
		hasher.WithFs(Fs),
		hasher.WithWorkers(cfg.Workers),
	}, opts...)
	return hasher.New(opts...)
}

// OpenStore opens the snapshot store configured by `cfg`.
func OpenStore(cfg config.Config, h *hasher.Hasher) (*store.Store, error) {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = store.DefaultCacheSize
	}
	return store.New(cfg.StoreDir, store.WithHasher(h), store.WithCacheSize(cacheSize))
}

// LoadTree returns the snapshot at `path`. If `path` is a directory, it's
// hashed with `filters`. Otherwise, it's read as a JSON snapshot, such as the
// output of `treesync hash`. The path "-" reads a JSON snapshot from stdin.
func LoadTree(ctx context.Context, h *hasher.Hasher, path string,
	filters config.Category) (*tree.Dir, error) {

	if path == "-" {
		snapshot, err := tree.Decode(Stdin)
		if err != nil {
			return nil, errors.WithContext(err, "read snapshot from stdin")
		}
		return snapshot, nil
	}

	isDir, err := afero.IsDir(Fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFriendlyError("%q does not exist.", path)
		}
		return nil, errors.WithContext(err, "stat")
	}

	if isDir {
		return h.HashDirectory(ctx, path, filters.Include, filters.Exclude)
	}

	f, err := Fs.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "open snapshot")
	}
	defer f.Close()

	snapshot, err := tree.Decode(f)
	if err != nil {
		return nil, errors.NewFriendlyError(
			"%q is neither a directory nor a snapshot.\n"+
				"For reference, here is the error from the parser:\n%s", path, err)
	}
	return snapshot, nil
}
