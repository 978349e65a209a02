// Package catalog builds and renders THREDDS catalog documents for lists of
// dataset files, and scans existing catalogs for the NcML aggregations and
// raw files they reference.
package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

// Service is one network service a THREDDS server exposes datasets through.
type Service struct {
	Name string
	Type string
	Base string
}

// The services a generated catalog can offer.
var (
	ServiceHTTP    = Service{Name: "http", Type: "HTTPServer", Base: "fileServer"}
	ServiceOpenDAP = Service{Name: "opendap", Type: "OpenDAP", Base: "dodsC"}
)

// AccessMethod grants access to a dataset through a named service.
type AccessMethod struct {
	ServiceName string
	URLPath     string
	DataFormat  string
}

// DatasetRoot maps a URL path prefix to a location on disk.
type DatasetRoot struct {
	Path     string
	Location string
}

// Dataset is one catalog entry for an individual file.
type Dataset struct {
	Name    string
	ID      string
	URLPath string
	Access  []AccessMethod
}

// Aggregation references an NcML aggregation document from the catalog.
type Aggregation struct {
	NcMLPath string
	URLPath  string
	Access   []AccessMethod
}

// Catalog is the structured description a THREDDS catalog document is
// rendered from.
type Catalog struct {
	ID          string
	Services    []Service
	Roots       []DatasetRoot
	Datasets    []Dataset
	Aggregation *Aggregation
}

// Options configures Build.
type Options struct {
	// OpenDAP additionally exposes the individual files through OPeNDAP.
	OpenDAP bool

	// NcMLPath, when set, adds an aggregation dataset backed by the NcML
	// document at this path, served through OPeNDAP.
	NcMLPath string
}

// Build assembles a catalog description for the given files. Individual
// files are always served over HTTP; an absolute urlPath does not work in
// TDS, so files are addressed through a datasetRoot mounted at "/".
func Build(filenames []string, dsID string, opts Options) (*Catalog, error) {
	fileServices := []Service{ServiceHTTP}
	if opts.OpenDAP {
		fileServices = append(fileServices, ServiceOpenDAP)
	}
	services := fileServices
	if opts.NcMLPath != "" && !opts.OpenDAP {
		services = append(services, ServiceOpenDAP)
	}

	root := DatasetRoot{Path: dsID + "_root", Location: "/"}

	cat := &Catalog{
		ID:       dsID,
		Services: services,
		Roots:    []DatasetRoot{root},
	}

	for _, filename := range filenames {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", filename, err)
		}
		id := filepath.Base(filename)
		urlPath := root.Path + abs
		var access []AccessMethod
		for _, s := range fileServices {
			access = append(access, AccessMethod{
				ServiceName: s.Name,
				URLPath:     urlPath,
				DataFormat:  "NetCDF-4",
			})
		}
		cat.Datasets = append(cat.Datasets, Dataset{
			Name:    id,
			ID:      id,
			URLPath: urlPath,
			Access:  access,
		})
	}

	if opts.NcMLPath != "" {
		urlPath := filepath.Base(opts.NcMLPath)
		cat.Aggregation = &Aggregation{
			NcMLPath: opts.NcMLPath,
			URLPath:  urlPath,
			Access: []AccessMethod{{
				ServiceName: ServiceOpenDAP.Name,
				URLPath:     urlPath,
				DataFormat:  "NcML",
			}},
		}
	}
	return cat, nil
}

var catalogTemplate = template.Must(template.New("catalog").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<catalog xmlns="http://www.unidata.ucar.edu/namespaces/thredds/InvCatalog/v1.0" name="{{xml .ID}}">
{{- range .Services}}
  <service name="{{.Name}}" serviceType="{{.Type}}" base="/thredds/{{.Base}}/"/>
{{- end}}
{{- range .Roots}}
  <datasetRoot path="{{xml .Path}}" location="{{xml .Location}}"/>
{{- end}}
  <dataset name="{{xml .ID}}" ID="{{xml .ID}}">
{{- range .Datasets}}
    <dataset name="{{xml .Name}}" ID="{{xml .ID}}" urlPath="{{xml .URLPath}}">
{{- range .Access}}
      <access serviceName="{{.ServiceName}}" urlPath="{{xml .URLPath}}" dataFormat="{{.DataFormat}}"/>
{{- end}}
    </dataset>
{{- end}}
{{- with .Aggregation}}
    <dataset name="aggregation" ID="{{xml $.ID}}.aggregation">
{{- range .Access}}
      <access serviceName="{{.ServiceName}}" urlPath="{{xml .URLPath}}" dataFormat="{{.DataFormat}}"/>
{{- end}}
      <netcdf xmlns="http://www.unidata.ucar.edu/namespaces/netcdf/ncml-2.2" location="{{xml .NcMLPath}}"/>
    </dataset>
{{- end}}
  </dataset>
</catalog>
`))

// Render produces the THREDDS catalog XML.
func (c *Catalog) Render() (string, error) {
	var buf strings.Builder
	if err := catalogTemplate.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("rendering catalog: %w", err)
	}
	return buf.String(), nil
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// xmlEscape escapes a value for use in XML attribute or text content.
func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
