// Package inventory lists the attachments recorded under an archive root.
package inventory

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
	"github.com/dimitarvdimitrov/attic/store/layout"
)

// Entry is one attachment directory found under the root.
type Entry struct {
	Identity store.Identity
	// Indexed is false for directories holding only content files, left
	// behind by a delete whose cleanup failed or a save that never pivoted.
	Indexed bool
	// Leftovers counts temporary files and index tombstones in the directory.
	Leftovers int
}

// Scan walks the layout rooted at root. Directories whose names are not
// escaped identities are skipped. Entries are sorted by document, then
// filename.
func Scan(fs afero.Fs, root string) ([]Entry, error) {
	docs, err := afero.ReadDir(fs, root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, doc := range docs {
		if !doc.IsDir() {
			continue
		}
		document, err := layout.Unescape(doc.Name())
		if err != nil {
			log.Debug("[inventory] skipping foreign directory", log.Path(filepath.Join(root, doc.Name())))
			continue
		}
		files, err := afero.ReadDir(fs, filepath.Join(root, doc.Name()))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if !file.IsDir() {
				continue
			}
			filename, err := layout.Unescape(file.Name())
			if err != nil {
				continue
			}
			e, err := scanDir(fs, filepath.Join(root, doc.Name(), file.Name()))
			if err != nil {
				return nil, err
			}
			e.Identity = store.Identity{Document: document, Filename: filename}
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Identity, entries[j].Identity
		if a.Document != b.Document {
			return a.Document < b.Document
		}
		return a.Filename < b.Filename
	})
	return entries, nil
}

func scanDir(fs afero.Fs, dir string) (Entry, error) {
	var e Entry
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return e, err
	}
	for _, info := range infos {
		switch name := info.Name(); {
		case name == layout.IndexName:
			e.Indexed = true
		case strings.HasPrefix(name, layout.TempPrefix), strings.HasPrefix(name, layout.IndexName+"."):
			e.Leftovers++
		}
	}
	return e, nil
}
