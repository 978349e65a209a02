package catalog

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FindNcML returns the location of every <netcdf> element in a catalog
// document, at any nesting depth, ignoring XML namespaces. These are the
// NcML aggregations the catalog references.
func FindNcML(r io.Reader) ([]string, error) {
	return scanLocations(r, "netcdf", "location", nil)
}

// FindNetCDF returns the urlPath of every <dataset> element in a catalog
// document, at any nesting depth. Paths starting with a known dataset-root
// prefix are rewritten to their location on disk.
func FindNetCDF(r io.Reader, roots map[string]string) ([]string, error) {
	return scanLocations(r, "dataset", "urlPath", roots)
}

// FindNcMLFile is FindNcML over a file on the given filesystem.
func FindNcMLFile(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FindNcML(f)
}

// FindNetCDFFile is FindNetCDF over a file on the given filesystem.
func FindNetCDFFile(fs afero.Fs, path string, roots map[string]string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FindNetCDF(f, roots)
}

// scanLocations walks the token stream collecting the named attribute of
// every element with the given local name. Element matching is insensitive
// to namespaces; an element from another namespace still counts if its
// local name matches.
func scanLocations(r io.Reader, element, attribute string, roots map[string]string) ([]string, error) {
	dec := xml.NewDecoder(r)
	var found []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing catalog: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != element {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == attribute {
				found = append(found, replaceRoot(attr.Value, roots))
			}
		}
	}
	return found, nil
}

// replaceRoot rewrites a path whose first segment matches a known dataset
// root. Prefixes are tried longest first so nested roots resolve to the
// most specific location.
func replaceRoot(path string, roots map[string]string) string {
	if len(roots) == 0 {
		return path
	}
	prefixes := make([]string, 0, len(roots))
	for prefix := range roots {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return roots[prefix] + path[len(prefix):]
		}
	}
	return path
}
