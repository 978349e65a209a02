package aggregation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// FileEntry is one aggregated dataset file together with the values
// extracted from it. Entries are immutable once built and keep the order in
// which their files were supplied, which is the order the aggregated
// coordinate follows.
type FileEntry struct {
	Path   string
	Units  string
	Coords []float64
	Attrs  map[string]interface{}
}

// MonotonicPolicy controls what happens when the concatenated coordinate
// values of a joinExisting aggregation decrease in file order.
type MonotonicPolicy int

const (
	// MonotonicFatal aborts the build on a violation. This is the default.
	MonotonicFatal MonotonicPolicy = iota
	// MonotonicWarn logs the violation and continues.
	MonotonicWarn
	// MonotonicIgnore skips the check entirely.
	MonotonicIgnore
)

// ProcessHook edits the assembled document before rendering. It is the
// customization seam for format- and deployment-specific NcML shapes: hooks
// may reorder elements, add vendor extensions, or rewrite locations.
type ProcessHook func(*Document) error

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Creator builds NcML aggregation documents from lists of dataset files.
type Creator struct {
	aggType   Type
	dimension string
	fs        afero.Fs
	newReader ReaderFactory
	cache     *CoordCache
	extraVars []Variable
	hook      ProcessHook
	monotonic MonotonicPolicy
	workers   int
	nowFunc   NowFunc
	log       *logrus.Logger
}

// Option defines a function that configures a Creator.
type Option func(*Creator)

// WithType sets the aggregation type. The default is joinExisting.
func WithType(t Type) Option {
	return func(c *Creator) { c.aggType = t }
}

// WithReader sets the dataset reader implementation. The default reads
// NetCDF classic files.
func WithReader(factory ReaderFactory) Option {
	return func(c *Creator) { c.newReader = factory }
}

// WithCache sets the coordinate value cache. Without one, every build
// re-opens every file.
func WithCache(cache *CoordCache) Option {
	return func(c *Creator) { c.cache = cache }
}

// WithFs sets the filesystem datasets are read from.
// This is primarily useful for testing with in-memory filesystems.
func WithFs(fs afero.Fs) Option {
	return func(c *Creator) { c.fs = fs }
}

// WithExtraVariables declares variables to include in the NcML that are not
// sourced from the files, such as a synthetic index coordinate.
func WithExtraVariables(vars ...Variable) Option {
	return func(c *Creator) { c.extraVars = append(c.extraVars, vars...) }
}

// WithProcessHook sets a hook that can edit the assembled document before
// it is rendered.
func WithProcessHook(hook ProcessHook) Option {
	return func(c *Creator) { c.hook = hook }
}

// WithMonotonic sets the policy for coordinate ordering violations.
func WithMonotonic(policy MonotonicPolicy) Option {
	return func(c *Creator) { c.monotonic = policy }
}

// WithWorkers reads up to n files concurrently. Results are reassembled in
// input order, so the output is identical to a sequential build.
func WithWorkers(n int) Option {
	return func(c *Creator) { c.workers = n }
}

// WithNowFunc sets the time function used to stamp cache records.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(c *Creator) { c.nowFunc = nowFunc }
}

// WithLogger sets the logger for warnings raised during builds.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Creator) { c.log = log }
}

// New creates a Creator that aggregates along the given dimension. The
// default configuration produces joinExisting aggregations of NetCDF files,
// processing files sequentially with no cache.
func New(dimension string, options ...Option) *Creator {
	creator := &Creator{
		aggType:   JoinExisting,
		dimension: dimension,
		fs:        afero.NewOsFs(),
		monotonic: MonotonicFatal,
		workers:   1,
		nowFunc:   time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, option := range options {
		option(creator)
	}
	if creator.newReader == nil {
		creator.newReader = func(fs afero.Fs) DatasetReader { return &NetCDFReader{fs: fs} }
	}
	return creator
}

// BuildRequest carries the per-build inputs of one aggregation.
type BuildRequest struct {
	// Files lists the aggregated dataset files. Order is significant: it
	// determines coordinate ordering along the aggregated dimension.
	Files []string

	// CacheCoords opens each file (or consults the cache) and writes the
	// coordinate values into the NcML, so the data server does not need
	// to open every file when the aggregation is first accessed.
	CacheCoords bool

	// GlobalAttrs are attributes to set on the aggregation. They win over
	// reducer-computed attributes of the same name.
	GlobalAttrs map[string]interface{}

	// RemoveAttrs are attribute names to remove from the aggregated view.
	// Removals are applied last and also suppress attributes set or
	// computed by this build.
	RemoveAttrs []string

	// AttrAggs are summary attributes computed from per-file values.
	AttrAggs []AggregatedGlobalAttr
}

// Create builds the aggregation document for the request. Any per-file
// failure aborts the whole build with the offending path in the error; no
// partial document is produced. Cache records committed before the failure
// remain valid for future builds.
func (c *Creator) Create(req BuildRequest) (*Document, error) {
	if len(req.Files) == 0 {
		return nil, ErrEmptyAggregation
	}

	doc := &Document{
		Namespace: NcMLNamespace,
		Aggregation: &Aggregation{
			DimName: c.dimension,
			Type:    c.aggType,
		},
	}

	var entries []FileEntry
	multipleUnits := false
	if req.CacheCoords || len(req.AttrAggs) > 0 {
		var err error
		entries, err = c.scan(req)
		if err != nil {
			return nil, err
		}
		multipleUnits = unitsDiffer(entries)
		if err := c.checkMonotonic(entries, multipleUnits); err != nil {
			return nil, err
		}
	}

	if err := c.applyAttributes(doc, req, entries); err != nil {
		return nil, err
	}
	doc.Variables = append(doc.Variables, c.extraVars...)

	if entries != nil {
		writeCoords := req.CacheCoords && !multipleUnits
		for _, e := range entries {
			ref := FileRef{Location: e.Path}
			if writeCoords {
				ref.CoordValue = formatCoordValues(e.Coords)
			}
			doc.Aggregation.Files = append(doc.Aggregation.Files, ref)
		}
		if req.CacheCoords && multipleUnits && c.dimension == "time" {
			doc.Aggregation.TimeUnitsChange = "true"
		}
	} else {
		for _, path := range req.Files {
			doc.Aggregation.Files = append(doc.Aggregation.Files, FileRef{Location: path})
		}
	}

	if c.hook != nil {
		if err := c.hook(doc); err != nil {
			return nil, fmt.Errorf("process hook: %w", err)
		}
	}
	return doc, nil
}

// CreateNcML builds the aggregation and renders it to NcML text.
func (c *Creator) CreateNcML(req BuildRequest) (string, error) {
	doc, err := c.Create(req)
	if err != nil {
		return "", err
	}
	return doc.Render()
}

// scan builds one FileEntry per input file, preserving input order. Cached
// coordinate values are used where the file identity still matches; files
// are only opened on a miss, or when attribute reductions require it.
func (c *Creator) scan(req BuildRequest) ([]FileEntry, error) {
	attrNames := make(map[string]bool)
	for _, agg := range req.AttrAggs {
		attrNames[agg.Attr] = true
	}

	entries := make([]FileEntry, len(req.Files))
	if c.workers > 1 {
		var g errgroup.Group
		g.SetLimit(c.workers)
		for i, path := range req.Files {
			i, path := i, path
			g.Go(func() error {
				entry, err := c.scanFile(path, attrNames)
				if err != nil {
					return err
				}
				entries[i] = entry
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return entries, nil
	}

	for i, path := range req.Files {
		entry, err := c.scanFile(path, attrNames)
		if err != nil {
			return nil, err
		}
		entries[i] = entry
	}
	return entries, nil
}

// scanFile reads one file, going through the cache when attribute values
// are not needed.
func (c *Creator) scanFile(path string, attrNames map[string]bool) (FileEntry, error) {
	if c.cache != nil && len(attrNames) == 0 {
		if rec, ok := c.cache.Lookup(path); ok {
			return FileEntry{Path: path, Units: rec.Units, Coords: rec.Values}, nil
		}
	}

	entry, err := c.readFile(path, attrNames)
	if err != nil {
		return FileEntry{}, err
	}

	if c.cache != nil {
		if err := c.cache.Commit(path, entry.Units, entry.Coords, c.nowFunc()); err != nil {
			// A failed cache write only costs a re-read next build.
			c.log.WithField("path", path).Warnf("failed to write cache record: %v", err)
		}
	}
	return entry, nil
}

// readFile opens path with the configured reader and extracts coordinate
// values plus any named attributes. The reader is closed on all paths.
func (c *Creator) readFile(path string, attrNames map[string]bool) (FileEntry, error) {
	r := c.newReader(c.fs)
	if err := r.Open(path); err != nil {
		return FileEntry{}, err
	}
	defer r.Close()

	units, values, err := r.CoordValues(c.dimension)
	if err != nil {
		return FileEntry{}, err
	}

	entry := FileEntry{Path: path, Units: units, Coords: values}
	if len(attrNames) > 0 {
		entry.Attrs = make(map[string]interface{}, len(attrNames))
		for name := range attrNames {
			v, err := r.Attribute(name)
			if err != nil {
				return FileEntry{}, err
			}
			entry.Attrs[name] = v
		}
	}
	return entry, nil
}

// checkMonotonic verifies that the concatenated coordinate values are
// non-decreasing in file order. The check only applies to joinExisting
// aggregations with consistent units; values in different units are not
// comparable.
func (c *Creator) checkMonotonic(entries []FileEntry, multipleUnits bool) error {
	if c.aggType != JoinExisting || c.monotonic == MonotonicIgnore || multipleUnits {
		return nil
	}
	prev := math.Inf(-1)
	for _, e := range entries {
		for _, v := range e.Coords {
			if v < prev {
				err := &MonotonicityError{Path: e.Path, Dimension: c.dimension, Prev: prev, Cur: v}
				if c.monotonic == MonotonicFatal {
					return err
				}
				c.log.Warn(err.Error())
				return nil
			}
			prev = v
		}
	}
	return nil
}

// applyAttributes computes reducer attributes and merges them with the
// caller's overrides and removals: overrides win over computed values, and
// removals are applied last.
func (c *Creator) applyAttributes(doc *Document, req BuildRequest, entries []FileEntry) error {
	removed := make(map[string]bool, len(req.RemoveAttrs))
	for _, name := range req.RemoveAttrs {
		removed[name] = true
		doc.Removes = append(doc.Removes, Remove{Name: name, Type: "attribute"})
	}

	for _, agg := range req.AttrAggs {
		target := agg.TargetName()
		if removed[target] {
			continue
		}
		if _, overridden := req.GlobalAttrs[target]; overridden {
			continue
		}
		value, err := reduce(agg, entries)
		if err != nil {
			return fmt.Errorf("reducing attribute %q: %w", agg.Attr, err)
		}
		doc.Attributes = append(doc.Attributes, newAttribute(target, value))
	}

	names := make([]string, 0, len(req.GlobalAttrs))
	for name := range req.GlobalAttrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if removed[name] {
			continue
		}
		doc.Attributes = append(doc.Attributes, newAttribute(name, req.GlobalAttrs[name]))
	}
	return nil
}

// unitsDiffer reports whether the scanned files declare more than one
// distinct unit for the aggregation dimension.
func unitsDiffer(entries []FileEntry) bool {
	if len(entries) == 0 {
		return false
	}
	first := entries[0].Units
	for _, e := range entries[1:] {
		if e.Units != first {
			return true
		}
	}
	return false
}
