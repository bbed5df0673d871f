package version

// EmptyValue is the value we use when the binary wasn't built with
// `-ldflags "-X github.com/sidkik/treesync/pkg/version.Version=..."`. This is
// helpful for telling when we're running in a unit test.
const EmptyValue = "unset"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// Commit is the git commit the binary was built from.
var Commit = EmptyValue
