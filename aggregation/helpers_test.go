package aggregation

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/sirupsen/logrus"
)

// writeTimeFile creates a NetCDF classic file containing a single "time"
// variable with the given values and returns its path.
func writeTimeFile(t *testing.T, dir, name string, values []float32, units string) string {
	t.Helper()
	return writeTimeFileAttrs(t, dir, name, values, units, nil)
}

// writeTimeFileAttrs is writeTimeFile with additional global attributes.
// Attribute values must use the slice forms the CDF format stores, for
// example []int32{3} or a string.
func writeTimeFileAttrs(t *testing.T, dir, name string, values []float32, units string, attrs map[string]interface{}) string {
	t.Helper()

	h := cdf.NewHeader([]string{"time"}, []int{len(values)})
	h.AddVariable("time", []string{"time"}, []float32{0})
	if units != "" {
		h.AddAttribute("time", "units", units)
	}
	for attr, value := range attrs {
		h.AddAttribute("", attr, value)
	}
	h.Define()
	for _, err := range h.Check() {
		t.Fatalf("invalid test file header: %v", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	defer f.Close()

	cf, err := cdf.Create(f, h)
	if err != nil {
		t.Fatalf("failed to write test file header: %v", err)
	}
	w := cf.Writer("time", []int{0}, []int{len(values)})
	if _, err := w.Write(values); err != nil {
		t.Fatalf("failed to write time values: %v", err)
	}
	return path
}

// quietLogger returns a logger that discards all output.
func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
