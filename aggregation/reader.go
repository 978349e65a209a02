package aggregation

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ctessum/cdf"
	"github.com/spf13/afero"
)

// DatasetReader encapsulates opening one dataset file and extracting the
// values needed to aggregate it: the coordinate values along the aggregation
// dimension and any global attributes used for summary reductions.
//
// A reader is used for one file at a time: Open, then CoordValues and
// Attribute as needed, then Close. Close must release the underlying file
// handle and is safe to call after a failed extraction.
type DatasetReader interface {
	// Open acquires the file at path. It returns *UnreadableFileError if
	// the file cannot be opened or is not in the expected format.
	Open(path string) error

	// CoordValues returns the units and the ordered values of the named
	// aggregation dimension, preserving on-disk order. It returns
	// *MissingDimensionError if the dimension is absent or not
	// one-dimensional.
	CoordValues(dimension string) (units string, values []float64, err error)

	// Attribute returns the value of the named global attribute, or
	// *MissingAttributeError if it is not present.
	Attribute(name string) (interface{}, error)

	// Close releases the resources acquired by Open.
	Close() error
}

// ReaderFactory constructs a DatasetReader backed by the given filesystem.
type ReaderFactory func(fs afero.Fs) DatasetReader

var (
	readersMu sync.RWMutex
	readers   = map[string]ReaderFactory{}
)

// RegisterReader makes a reader implementation available under a name, so
// that it can be selected through configuration. It panics on duplicate
// registration.
func RegisterReader(name string, factory ReaderFactory) {
	readersMu.Lock()
	defer readersMu.Unlock()
	if _, dup := readers[name]; dup {
		panic(fmt.Sprintf("aggregation: reader %q registered twice", name))
	}
	readers[name] = factory
}

// LookupReader returns the factory registered under name.
func LookupReader(name string) (ReaderFactory, error) {
	readersMu.RLock()
	defer readersMu.RUnlock()
	factory, ok := readers[name]
	if !ok {
		return nil, fmt.Errorf("unknown dataset reader %q (available: %v)", name, readerNames())
	}
	return factory, nil
}

func readerNames() []string {
	names := make([]string, 0, len(readers))
	for name := range readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterReader("netcdf", func(fs afero.Fs) DatasetReader { return &NetCDFReader{fs: fs} })
	RegisterReader("filename", func(fs afero.Fs) DatasetReader { return &FilenameReader{fs: fs} })
}

// NetCDFReader reads coordinate values and global attributes from NetCDF
// classic (V1/V2) files. This is the default reader.
type NetCDFReader struct {
	fs   afero.Fs
	path string
	file afero.File
	ds   *cdf.File
}

// NewNetCDFReader creates a NetCDF reader using the OS filesystem.
func NewNetCDFReader() *NetCDFReader {
	return &NetCDFReader{fs: afero.NewOsFs()}
}

// Open implements DatasetReader.
func (r *NetCDFReader) Open(path string) error {
	f, err := r.fs.Open(path)
	if err != nil {
		return &UnreadableFileError{Path: path, Err: err}
	}
	ds, err := cdf.Open(f)
	if err != nil {
		_ = f.Close()
		return &UnreadableFileError{Path: path, Err: err}
	}
	r.path = path
	r.file = f
	r.ds = ds
	return nil
}

// CoordValues implements DatasetReader.
func (r *NetCDFReader) CoordValues(dimension string) (string, []float64, error) {
	dims := r.ds.Header.Dimensions(dimension)
	if dims == nil {
		return "", nil, &MissingDimensionError{Path: r.path, Dimension: dimension}
	}
	if len(dims) != 1 {
		return "", nil, &MissingDimensionError{
			Path:      r.path,
			Dimension: dimension,
			Reason:    fmt.Sprintf("must be one-dimensional, has %d dimensions", len(dims)),
		}
	}

	n := r.ds.Header.Lengths(dimension)[0]
	if r.ds.Header.IsRecordVariable(dimension) {
		info, err := r.file.Stat()
		if err != nil {
			return "", nil, &UnreadableFileError{Path: r.path, Err: err}
		}
		n = int(r.ds.Header.NumRecs(info.Size()))
	}
	rr := r.ds.Reader(dimension, nil, nil)
	buf := r.ds.Header.ZeroValue(dimension, n)
	if _, err := rr.Read(buf); err != nil {
		return "", nil, &UnreadableFileError{Path: r.path, Err: err}
	}
	values, err := toFloat64s(buf)
	if err != nil {
		return "", nil, &MissingDimensionError{Path: r.path, Dimension: dimension, Reason: err.Error()}
	}

	units := ""
	if u, ok := r.ds.Header.GetAttribute(dimension, "units").(string); ok {
		units = u
	}
	return units, values, nil
}

// Attribute implements DatasetReader.
func (r *NetCDFReader) Attribute(name string) (interface{}, error) {
	v := r.ds.Header.GetAttribute("", name)
	if v == nil {
		return nil, &MissingAttributeError{Path: r.path, Name: name}
	}
	return scalarize(v), nil
}

// Close implements DatasetReader.
func (r *NetCDFReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.ds = nil
	return err
}

// toFloat64s converts a typed slice read from a NetCDF variable to float64s.
func toFloat64s(buf interface{}) ([]float64, error) {
	switch v := buf.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported coordinate type %T", buf)
	}
}

// scalarize unwraps the single-element slices that NetCDF attributes are
// stored as, so that callers see ordinary scalar values.
func scalarize(v interface{}) interface{} {
	switch s := v.(type) {
	case []float64:
		if len(s) == 1 {
			return s[0]
		}
	case []float32:
		if len(s) == 1 {
			return s[0]
		}
	case []int32:
		if len(s) == 1 {
			return s[0]
		}
	case []int16:
		if len(s) == 1 {
			return s[0]
		}
	}
	return v
}

// filenameTimestamp matches YYYYMMDD with an optional HHMMSS part, the
// convention used by CMIP-style file names.
var filenameTimestamp = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})(?:T?(\d{2})(\d{2})(\d{2}))?`)

// FilenameReader derives a single coordinate value from a timestamp embedded
// in the file name instead of opening the file contents. It supports storage
// formats the NetCDF reader cannot open, at the cost of having no attribute
// access.
type FilenameReader struct {
	fs   afero.Fs
	path string
}

// NewFilenameReader creates a filename-convention reader using the OS
// filesystem.
func NewFilenameReader() *FilenameReader {
	return &FilenameReader{fs: afero.NewOsFs()}
}

// Open implements DatasetReader. The file must exist even though its
// contents are never read, so that missing files fail the build the same
// way they do with content-based readers.
func (r *FilenameReader) Open(path string) error {
	if _, err := r.fs.Stat(path); err != nil {
		return &UnreadableFileError{Path: path, Err: err}
	}
	r.path = path
	return nil
}

// CoordValues implements DatasetReader. The returned value is seconds since
// the Unix epoch parsed from the file name.
func (r *FilenameReader) CoordValues(dimension string) (string, []float64, error) {
	m := filenameTimestamp.FindStringSubmatch(r.path)
	if m == nil {
		return "", nil, &MissingDimensionError{
			Path:      r.path,
			Dimension: dimension,
			Reason:    "no timestamp found in file name",
		}
	}
	var parts [6]int
	for i := range parts {
		if m[i+1] == "" {
			break
		}
		fmt.Sscanf(m[i+1], "%d", &parts[i])
	}
	t := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.UTC)
	return "seconds since 1970-01-01 00:00:00 UTC", []float64{float64(t.Unix())}, nil
}

// Attribute implements DatasetReader. File names carry no attributes, so
// every lookup fails.
func (r *FilenameReader) Attribute(name string) (interface{}, error) {
	return nil, &MissingAttributeError{Path: r.path, Name: name}
}

// Close implements DatasetReader.
func (r *FilenameReader) Close() error { return nil }
