/*
Package aggregation builds NcML aggregation documents describing collections
of gridded-data files as one logical virtual dataset.

# Overview

A THREDDS data server can serve many individual files as a single dataset if
it is given an NcML aggregation: an XML document naming the files and the
coordinate axis along which they are concatenated. Generating that document
well means opening each file to pre-compute ("cache") its coordinate values,
so the server itself never has to open every file on first access.

This package is the aggregation-generation engine. It reads coordinate
values through pluggable dataset readers, remembers them across runs in an
identity-keyed value cache, derives summary global attributes from per-file
values, and renders the result as NcML.

# Core Architecture

  - DatasetReader - opens one file and extracts coordinate values and global
    attributes. The default implementation reads NetCDF classic files;
    alternates are selected by name through a registry.
  - CoordCache - maps a file identity (path, size, mtime by default, or a
    content hash) to previously extracted values. Backed by an in-memory or
    an atomic file-backed store.
  - AggregatedGlobalAttr - describes one summary attribute reduced from
    per-file values (min, max, first, last, union).
  - Creator - orchestrates a build: scans files in input order, validates
    coordinate monotonicity, merges computed and caller-supplied attributes,
    runs the process hook, and renders the document.

# Basic Usage

Building an aggregation along the time dimension with cached coordinates:

	store, err := aggregation.NewFileStore(".coordcache", afero.NewOsFs())
	if err != nil {
	    log.Fatal(err)
	}
	creator := aggregation.New("time",
	    aggregation.WithCache(aggregation.NewCoordCache(store)),
	)
	ncml, err := creator.CreateNcML(aggregation.BuildRequest{
	    Files:       files,
	    CacheCoords: true,
	})

Deriving a summary attribute from the aggregated files:

	req.AttrAggs = []aggregation.AggregatedGlobalAttr{
	    {Attr: "stop_time", Reduce: aggregation.ReduceMax},
	}

Any per-file failure aborts the whole build: a partial aggregation would
silently serve an incomplete dataset, which is worse than no aggregation.
*/
package aggregation
