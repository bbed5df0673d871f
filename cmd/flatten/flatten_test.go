package flatten

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/tree"
)

const (
	hashA = "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb"
	hashB = "3e23e8160039594a33894f6564e1b1348bbd7a0088d42c4acb73eeaed59c009d"
)

func TestRun(t *testing.T) {
	util.Fs = afero.NewMemMapFs()
	util.ParseConf = func() (config.Config, error) { return config.Config{}, nil }
	require.NoError(t, afero.WriteFile(util.Fs, "/client/a", []byte("a"), 0644))
	require.NoError(t, afero.WriteFile(util.Fs, "/client/dir/b", []byte("b"), 0644))

	snapshot := tree.NewDir("",
		tree.NewFile("a", 1, hashA),
		tree.NewDir("dir", tree.NewFile("dir/b", 1, hashB)))
	var encoded bytes.Buffer
	require.NoError(t, tree.Encode(&encoded, snapshot))

	expOut := hashA + "  1  a\n" + hashB + "  1  dir/b\n"

	tests := []struct {
		name    string
		path    string
		filters util.Filters
		expOut  string
	}{
		{
			name:   "Directory",
			path:   "/client",
			expOut: expOut,
		},
		{
			name:    "FilteredDirectory",
			path:    "/client",
			filters: util.Filters{Exclude: []string{`^dir`}},
			expOut:  hashA + "  1  a\n",
		},
		{
			name:   "Stdin",
			path:   "-",
			expOut: expOut,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			stdout = &out
			util.Stdin = strings.NewReader(encoded.String())

			require.NoError(t, run(test.path, test.filters))
			assert.Equal(t, test.expOut, out.String())
		})
	}
}
