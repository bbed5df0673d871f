package tree

// WalkFunc is called for every entry visited by Walk. Returning false from a
// directory skips its children.
type WalkFunc func(e Entry) bool

// Walk visits `root` and everything below it depth first, in pre-order, with
// the children of each directory visited in name order. It uses an explicit
// stack, so arbitrarily deep trees don't grow the goroutine stack.
func Walk(root *Dir, fn WalkFunc) {
	if root == nil {
		return
	}

	stack := []Entry{root}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !fn(e) {
			continue
		}

		dir, ok := e.(*Dir)
		if !ok {
			continue
		}

		// Push in reverse so that the smallest name is popped first.
		names := dir.Names()
		for i := len(names) - 1; i >= 0; i-- {
			stack = append(stack, dir.entries[names[i]])
		}
	}
}

// Flatten returns every file in the tree in depth-first order. Directories
// aren't included. Flatten has no side effects, so calling it again on the
// same tree returns the same list.
func Flatten(root *Dir) []*File {
	var files []*File
	Walk(root, func(e Entry) bool {
		if f, ok := e.(*File); ok {
			files = append(files, f)
		}
		return true
	})
	return files
}

// FilePaths returns the paths of every file at or below `e`. If `e` is a
// file, the result is just its own path.
func FilePaths(e Entry) []string {
	switch e := e.(type) {
	case *File:
		return []string{e.path}
	case *Dir:
		var paths []string
		for _, f := range Flatten(e) {
			paths = append(paths, f.path)
		}
		return paths
	default:
		return nil
	}
}

// Stats summarizes the contents of a snapshot.
type Stats struct {
	Files      int
	Dirs       int
	TotalBytes int64
}

// Summarize counts the files, directories and bytes in the tree. The root
// directory itself isn't counted.
func Summarize(root *Dir) Stats {
	var stats Stats
	Walk(root, func(e Entry) bool {
		switch e := e.(type) {
		case *File:
			stats.Files++
			stats.TotalBytes += e.size
		case *Dir:
			if e != root {
				stats.Dirs++
			}
		}
		return true
	})
	return stats
}
