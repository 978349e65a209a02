package aggregation

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// NcMLNamespace is the NcML 2.2 schema namespace.
const NcMLNamespace = "http://www.unidata.ucar.edu/namespaces/netcdf/ncml-2.2"

// Type is an NcML aggregation type.
type Type string

// Aggregation types defined by the NcML schema.
const (
	JoinExisting Type = "joinExisting"
	JoinNew      Type = "joinNew"
	Union        Type = "union"
	Tiled        Type = "tiled"
)

// Document is the in-memory representation of an NcML aggregation document.
// It is assembled by a Creator and handed to the process hook before being
// rendered, so hooks can make arbitrary structural edits.
type Document struct {
	XMLName     xml.Name     `xml:"netcdf"`
	Namespace   string       `xml:"xmlns,attr"`
	Removes     []Remove     `xml:"remove"`
	Attributes  []Attribute  `xml:"attribute"`
	Variables   []Variable   `xml:"variable"`
	Aggregation *Aggregation `xml:"aggregation"`
}

// Remove declares a global attribute the server must drop from the
// aggregated view.
type Remove struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

// Attribute is a global or per-variable NcML attribute.
type Attribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Type  string `xml:"type,attr,omitempty"`
}

// Variable declares a variable that is not sourced from the aggregated
// files, for example a synthetic index coordinate.
type Variable struct {
	Name       string      `xml:"name,attr"`
	Shape      string      `xml:"shape,attr,omitempty"`
	Type       string      `xml:"type,attr,omitempty"`
	Attributes []Attribute `xml:"attribute"`
}

// Aggregation is the <aggregation> element: the dimension, the type and one
// file reference per aggregated dataset.
type Aggregation struct {
	DimName         string    `xml:"dimName,attr"`
	Type            Type      `xml:"type,attr"`
	TimeUnitsChange string    `xml:"timeUnitsChange,attr,omitempty"`
	Files           []FileRef `xml:"netcdf"`
}

// FileRef is one aggregated file. CoordValue carries the pre-computed
// coordinate values as a comma-separated list; when empty, the server reads
// the values from the file itself on first access.
type FileRef struct {
	Location   string `xml:"location,attr"`
	CoordValue string `xml:"coordValue,attr,omitempty"`
}

// Render serializes the document with deterministic two-space indentation
// and an XML prolog.
func (d *Document) Render() (string, error) {
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render NcML: %w", err)
	}
	return xml.Header + string(body) + "\n", nil
}

// newAttribute builds an NcML attribute, inferring the NcML type for
// numeric values the way TDS expects.
func newAttribute(name string, value interface{}) Attribute {
	attr := Attribute{Name: name, Value: cast.ToString(value)}
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		attr.Type = "int"
	case float32, float64:
		attr.Type = "float"
	}
	return attr
}

// formatCoordValues renders coordinate values as the comma-separated list
// used in coordValue attributes. Whole numbers keep a trailing ".0" so the
// values are unambiguously floating point.
func formatCoordValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			parts[i] = strconv.FormatFloat(v, 'f', 1, 64)
		} else {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return strings.Join(parts, ",")
}
