package aggregation

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"
)

func TestAggregationIncludesAllFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeTimeFile(t, dir, "ds_0.nc", []float32{1234}, ""),
		writeTimeFile(t, dir, "ds_1.nc", []float32{1234}, ""),
		writeTimeFile(t, dir, "ds_2.nc", []float32{1234}, ""),
	}

	creator := New("time", WithMonotonic(MonotonicIgnore))
	doc, err := creator.Create(BuildRequest{Files: files, CacheCoords: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if got := len(doc.Aggregation.Files); got != len(files) {
		t.Fatalf("expected %d file entries, got %d", len(files), got)
	}
	for i, ref := range doc.Aggregation.Files {
		if ref.Location != files[i] {
			t.Errorf("entry %d: expected location %s, got %s", i, files[i], ref.Location)
		}
		if ref.CoordValue != "1234.0" {
			t.Errorf("entry %d: expected coordValue 1234.0, got %q", i, ref.CoordValue)
		}
	}
	if doc.Aggregation.DimName != "time" {
		t.Errorf("expected dimName time, got %q", doc.Aggregation.DimName)
	}
	if doc.Aggregation.Type != JoinExisting {
		t.Errorf("expected type joinExisting, got %q", doc.Aggregation.Type)
	}
}

func TestFileOrderPreserved(t *testing.T) {
	dir := t.TempDir()
	f1 := writeTimeFile(t, dir, "ds_1.nc", []float32{300}, "")
	f2 := writeTimeFile(t, dir, "ds_2.nc", []float32{10}, "")

	// Files are given in non-monotonic order. With the check disabled the
	// output must keep the input order rather than sorting by coordinate.
	creator := New("time", WithMonotonic(MonotonicIgnore))
	doc, err := creator.Create(BuildRequest{Files: []string{f1, f2}, CacheCoords: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	locations := []string{doc.Aggregation.Files[0].Location, doc.Aggregation.Files[1].Location}
	if locations[0] != f1 || locations[1] != f2 {
		t.Errorf("expected input order [%s %s], got %v", f1, f2, locations)
	}
}

func TestMonotonicityViolation(t *testing.T) {
	dir := t.TempDir()
	f1 := writeTimeFile(t, dir, "ds_1.nc", []float32{300}, "")
	f2 := writeTimeFile(t, dir, "ds_2.nc", []float32{10}, "")
	files := []string{f1, f2}

	// Default policy: a decreasing coordinate aborts the build.
	_, err := New("time").Create(BuildRequest{Files: files, CacheCoords: true})
	var monoErr *MonotonicityError
	if !errors.As(err, &monoErr) {
		t.Fatalf("expected MonotonicityError, got %v", err)
	}
	if monoErr.Path != f2 {
		t.Errorf("expected violation at %s, got %s", f2, monoErr.Path)
	}

	// Warn policy: the build succeeds.
	creator := New("time", WithMonotonic(MonotonicWarn), WithLogger(quietLogger()))
	if _, err := creator.Create(BuildRequest{Files: files, CacheCoords: true}); err != nil {
		t.Fatalf("Create with warn policy failed: %v", err)
	}
}

func TestNoCacheCoordsDoesNotOpenFiles(t *testing.T) {
	dir := t.TempDir()
	f := writeTimeFile(t, dir, "ds.nc", []float32{1}, "")

	// The dimension does not exist, but without CacheCoords the file is
	// never opened, so the build must still succeed.
	doc, err := New("nonexistentdimension").Create(BuildRequest{Files: []string{f}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := len(doc.Aggregation.Files); got != 1 {
		t.Fatalf("expected 1 file entry, got %d", got)
	}
	if doc.Aggregation.Files[0].CoordValue != "" {
		t.Errorf("expected no coordValue, got %q", doc.Aggregation.Files[0].CoordValue)
	}
}

func TestEmptyFileList(t *testing.T) {
	_, err := New("time").Create(BuildRequest{})
	if !errors.Is(err, ErrEmptyAggregation) {
		t.Fatalf("expected ErrEmptyAggregation, got %v", err)
	}
}

func TestMissingDimensionAbortsBuild(t *testing.T) {
	dir := t.TempDir()
	good := writeTimeFile(t, dir, "good.nc", []float32{1}, "")
	bad := writeTimeFile(t, dir, "bad.nc", []float32{2}, "")

	creator := New("elevation")
	_, err := creator.Create(BuildRequest{Files: []string{good, bad}, CacheCoords: true})
	var dimErr *MissingDimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected MissingDimensionError, got %v", err)
	}
	if dimErr.Path != good {
		t.Errorf("expected error to identify %s, got %s", good, dimErr.Path)
	}
	if dimErr.Dimension != "elevation" {
		t.Errorf("expected dimension elevation, got %q", dimErr.Dimension)
	}
}

func TestDifferentTimeUnits(t *testing.T) {
	dir := t.TempDir()
	diff := []string{
		writeTimeFile(t, dir, "diff_1.nc", []float32{0}, "days since 1970-01-01 00:00:00 UTC"),
		writeTimeFile(t, dir, "diff_2.nc", []float32{0}, "days since 1970-01-02 00:00:00 UTC"),
		writeTimeFile(t, dir, "diff_3.nc", []float32{0}, "days since 1970-01-03 00:00:00 UTC"),
	}
	same := []string{
		writeTimeFile(t, dir, "same_1.nc", []float32{0}, "days since 1973-01-03 00:00:00 UTC"),
		writeTimeFile(t, dir, "same_2.nc", []float32{1}, "days since 1973-01-03 00:00:00 UTC"),
	}

	creator := New("time", WithMonotonic(MonotonicIgnore))

	doc, err := creator.Create(BuildRequest{Files: diff, CacheCoords: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if doc.Aggregation.TimeUnitsChange != "true" {
		t.Error("expected timeUnitsChange attribute with differing units")
	}
	for i, ref := range doc.Aggregation.Files {
		if ref.CoordValue != "" {
			t.Errorf("entry %d: expected no coordValue with differing units, got %q", i, ref.CoordValue)
		}
	}

	doc, err = creator.Create(BuildRequest{Files: same, CacheCoords: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if doc.Aggregation.TimeUnitsChange != "" {
		t.Error("unexpected timeUnitsChange attribute with consistent units")
	}
	for i, ref := range doc.Aggregation.Files {
		if ref.CoordValue == "" {
			t.Errorf("entry %d: expected coordValue with consistent units", i)
		}
	}
}

func TestAttrReductions(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeTimeFileAttrs(t, dir, "a.nc", []float32{1}, "", map[string]interface{}{"index": []int32{3}}),
		writeTimeFileAttrs(t, dir, "b.nc", []float32{2}, "", map[string]interface{}{"index": []int32{7}}),
		writeTimeFileAttrs(t, dir, "c.nc", []float32{3}, "", map[string]interface{}{"index": []int32{1}}),
	}

	cases := []struct {
		reduce Reduction
		want   string
	}{
		{ReduceMax, "7"},
		{ReduceMin, "1"},
		{ReduceFirst, "3"},
		{ReduceLast, "1"},
	}
	for _, tc := range cases {
		doc, err := New("time").Create(BuildRequest{
			Files:    files,
			AttrAggs: []AggregatedGlobalAttr{{Attr: "index", Reduce: tc.reduce}},
		})
		if err != nil {
			t.Fatalf("%s: Create failed: %v", tc.reduce, err)
		}
		attr := findAttr(doc, "index")
		if attr == nil {
			t.Fatalf("%s: attribute index not in output", tc.reduce)
		}
		if attr.Value != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.reduce, tc.want, attr.Value)
		}
		if attr.Type != "int" {
			t.Errorf("%s: expected int type, got %q", tc.reduce, attr.Type)
		}
	}
}

func TestAttrOverridesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeTimeFileAttrs(t, dir, "a.nc", []float32{1}, "", map[string]interface{}{"index": []int32{3}}),
		writeTimeFileAttrs(t, dir, "b.nc", []float32{2}, "", map[string]interface{}{"index": []int32{7}}),
	}
	aggs := []AggregatedGlobalAttr{{Attr: "index", Reduce: ReduceMax}}

	// A caller-supplied attribute wins over the computed one.
	doc, err := New("time").Create(BuildRequest{
		Files:       files,
		AttrAggs:    aggs,
		GlobalAttrs: map[string]interface{}{"index": "overridden"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	attrs := filterAttrs(doc, "index")
	if len(attrs) != 1 {
		t.Fatalf("expected exactly 1 index attribute, got %d", len(attrs))
	}
	if attrs[0].Value != "overridden" {
		t.Errorf("expected override value, got %q", attrs[0].Value)
	}

	// A removal is applied last and suppresses both computed and
	// overridden values.
	doc, err = New("time").Create(BuildRequest{
		Files:       files,
		AttrAggs:    aggs,
		GlobalAttrs: map[string]interface{}{"index": "overridden"},
		RemoveAttrs: []string{"index"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if attrs := filterAttrs(doc, "index"); len(attrs) != 0 {
		t.Errorf("expected no index attribute after removal, got %v", attrs)
	}
	if len(doc.Removes) != 1 || doc.Removes[0].Name != "index" {
		t.Errorf("expected a remove element for index, got %v", doc.Removes)
	}

	// The target can differ from the source attribute.
	doc, err = New("time").Create(BuildRequest{
		Files:    files,
		AttrAggs: []AggregatedGlobalAttr{{Attr: "index", Target: "max_index", Reduce: ReduceMax}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if attr := findAttr(doc, "max_index"); attr == nil || attr.Value != "7" {
		t.Errorf("expected max_index=7, got %v", attr)
	}
}

func TestProcessHook(t *testing.T) {
	dir := t.TempDir()
	f := writeTimeFile(t, dir, "ds.nc", []float32{1}, "")

	creator := New("time", WithProcessHook(func(doc *Document) error {
		doc.Attributes = append(doc.Attributes, Attribute{Name: "edited", Value: "yes"})
		return nil
	}))
	doc, err := creator.Create(BuildRequest{Files: []string{f}, CacheCoords: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if attr := findAttr(doc, "edited"); attr == nil {
		t.Error("expected hook edit to survive into the document")
	}

	failing := New("time", WithProcessHook(func(doc *Document) error {
		return errors.New("hook rejected document")
	}))
	if _, err := failing.Create(BuildRequest{Files: []string{f}}); err == nil {
		t.Error("expected hook failure to abort the build")
	}
}

func TestExtraVariables(t *testing.T) {
	dir := t.TempDir()
	f := writeTimeFile(t, dir, "ds.nc", []float32{1}, "")

	creator := New("index",
		WithExtraVariables(Variable{
			Name:  "index",
			Shape: "index",
			Type:  "int",
			Attributes: []Attribute{
				{Name: "long_name", Value: "synthetic index coordinate"},
			},
		}),
	)
	doc, err := creator.Create(BuildRequest{Files: []string{f}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(doc.Variables) != 1 || doc.Variables[0].Name != "index" {
		t.Fatalf("expected declared index variable, got %v", doc.Variables)
	}
}

func TestRenderedDocumentIsWellFormed(t *testing.T) {
	doc := &Document{
		Namespace:  NcMLNamespace,
		Attributes: []Attribute{{Name: "title", Value: `quotes " & <angles>`}},
		Aggregation: &Aggregation{
			DimName: "time",
			Type:    JoinExisting,
			Files: []FileRef{
				{Location: `/data/weird & <path>/"file".nc`, CoordValue: "1.0,2.0"},
			},
		},
	}
	text, err := doc.Render()
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.HasPrefix(text, xml.Header) {
		t.Error("expected XML prolog")
	}

	var parsed Document
	if err := xml.Unmarshal([]byte(text), &parsed); err != nil {
		t.Fatalf("rendered document is not well-formed: %v\n%s", err, text)
	}
	if parsed.Aggregation.Files[0].Location != doc.Aggregation.Files[0].Location {
		t.Error("location did not round-trip through rendering")
	}
	if parsed.Attributes[0].Value != doc.Attributes[0].Value {
		t.Error("attribute value did not round-trip through rendering")
	}
}

func TestParallelScanMatchesSequential(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i, v := range []float32{1, 3, 5, 7, 9, 11} {
		files = append(files, writeTimeFile(t, dir, "ds_"+string(rune('a'+i))+".nc", []float32{v}, ""))
	}
	req := BuildRequest{Files: files, CacheCoords: true}

	sequential, err := New("time").CreateNcML(req)
	if err != nil {
		t.Fatalf("sequential build failed: %v", err)
	}
	parallel, err := New("time", WithWorkers(4)).CreateNcML(req)
	if err != nil {
		t.Fatalf("parallel build failed: %v", err)
	}
	if sequential != parallel {
		t.Errorf("parallel build differs from sequential:\n%s\n---\n%s", sequential, parallel)
	}
}

func findAttr(doc *Document, name string) *Attribute {
	for i := range doc.Attributes {
		if doc.Attributes[i].Name == name {
			return &doc.Attributes[i]
		}
	}
	return nil
}

func filterAttrs(doc *Document, name string) []Attribute {
	var out []Attribute
	for _, attr := range doc.Attributes {
		if attr.Name == name {
			out = append(out, attr)
		}
	}
	return out
}
