package main

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// staticHandler serves files below dir, index.html for "/". Responses carry an
// ETag derived from size and modification time, so both If-None-Match and
// If-Modified-Since revalidation answer 304.
func staticHandler(dir string) http.Handler {
	root := http.Dir(dir)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := path.Clean("/" + r.URL.Path)
		if name == "/" {
			name = "/index.html"
		}
		f, err := root.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("ETag", etag(info))
		http.ServeContent(w, r, filepath.Base(name), info.ModTime(), f)
	})
}

func etag(info os.FileInfo) string {
	sum := md5.Sum([]byte(strconv.FormatInt(info.Size(), 10) + "-" + strconv.FormatInt(info.ModTime().Unix(), 10)))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// staticDirExists reports whether dir can be served.
func staticDirExists(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
