package server

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// vpath resolves a client-supplied path against the session's working
// directory into an absolute virtual path.
func (s *session) vpath(arg string) string {
	if arg == "" {
		return s.cwd
	}
	if !strings.HasPrefix(arg, "/") {
		arg = path.Join(s.cwd, arg)
	}
	return path.Clean(arg)
}

// realPath maps a virtual path onto the site root. The clean keeps
// traversal inside the root.
func (s *session) realPath(vpath string) string {
	clean := path.Clean("/" + vpath)
	return filepath.Join(s.server.cfg.Get().RootPath, filepath.FromSlash(clean))
}

// listLine formats one LIST row in the conventional long form.
func listLine(fi os.FileInfo) string {
	size := fi.Size()
	if fi.IsDir() {
		size = 4096
	}
	return fmt.Sprintf("%s 1 ftp ftp %12d %s %s",
		fi.Mode().String(), size, fi.ModTime().Format("Jan _2 15:04"), fi.Name())
}

// readDirSorted lists a real directory sorted by name.
func readDirSorted(realPath string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(realPath)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, fi)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}
