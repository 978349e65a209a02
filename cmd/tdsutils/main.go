// Command tdsutils generates and inspects the metadata documents a THREDDS
// data server is driven by: NcML aggregations, dataset catalogs, and the
// cache-warming requests that prime the server after a catalog update.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gophersatwork/tdsutils/aggregation"
	"github.com/gophersatwork/tdsutils/catalog"
	"github.com/gophersatwork/tdsutils/partition"
	"github.com/gophersatwork/tdsutils/warmer"
)

var (
	cfg = viper.New()
	log = logrus.New()
	fs  = afero.NewOsFs()
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "tdsutils",
		Short:         "Tools for generating THREDDS data server metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.GetBool("verbose") {
				log.SetLevel(logrus.DebugLevel)
			}
			if configFile != "" {
				cfg.SetConfigFile(configFile)
				if err := cfg.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML configuration file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	cfg.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	cfg.SetEnvPrefix("tdsutils")
	cfg.AutomaticEnv()

	root.AddCommand(
		aggregateCmd(),
		catalogCmd(),
		findNcMLCmd(),
		findNetCDFCmd(),
		partitionCmd(),
		warmCacheCmd(),
	)
	return root
}

func aggregateCmd() *cobra.Command {
	var (
		globalAttrs []string
		removeAttrs []string
		attrAggs    []string
	)

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Read dataset filenames from stdin and print an NcML aggregation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readLines(os.Stdin)
			if err != nil {
				return err
			}

			factory, err := aggregation.LookupReader(cfg.GetString("reader"))
			if err != nil {
				return err
			}
			monotonic, err := parseMonotonic(cfg.GetString("monotonic"))
			if err != nil {
				return err
			}

			options := []aggregation.Option{
				aggregation.WithReader(factory),
				aggregation.WithMonotonic(monotonic),
				aggregation.WithLogger(log),
			}
			if dir := cfg.GetString("cache-dir"); dir != "" {
				store, err := aggregation.NewFileStore(dir, fs)
				if err != nil {
					return err
				}
				cacheOpts := []aggregation.CacheOption{aggregation.WithCacheLogger(log)}
				if cfg.GetBool("content-hash") {
					cacheOpts = append(cacheOpts, aggregation.WithContentHash())
				}
				options = append(options, aggregation.WithCache(aggregation.NewCoordCache(store, cacheOpts...)))
			}
			if workers := cfg.GetInt("workers"); workers > 1 {
				options = append(options, aggregation.WithWorkers(workers))
			}

			req := aggregation.BuildRequest{
				Files:       files,
				CacheCoords: cfg.GetBool("cache"),
				RemoveAttrs: removeAttrs,
			}
			if req.GlobalAttrs, err = parseKeyValues(globalAttrs); err != nil {
				return err
			}
			if req.AttrAggs, err = parseAttrAggs(attrAggs); err != nil {
				return err
			}

			creator := aggregation.New(cfg.GetString("dimension"), options...)
			ncml, err := creator.CreateNcML(req)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ncml)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP("dimension", "d", "time", "the dimension along which to aggregate")
	flags.BoolP("cache", "c", false, "open files and write coordinate values into the NcML, so the server does not need to open each file")
	flags.String("cache-dir", "", "directory for the persistent coordinate value cache")
	flags.Bool("content-hash", false, "key the coordinate cache by file contents instead of size and mtime")
	flags.String("reader", "netcdf", "dataset reader implementation")
	flags.String("monotonic", "error", "coordinate ordering violations: error, warn or off")
	flags.Int("workers", 1, "number of files to read concurrently")
	flags.StringArrayVarP(&globalAttrs, "global-attr", "g", nil, "global attribute to set, as <attr>=<value> (repeatable)")
	flags.StringArrayVar(&removeAttrs, "remove-attr", nil, "global attribute to remove (repeatable)")
	flags.StringArrayVar(&attrAggs, "attr-agg", nil, "summary attribute computed across files, as <attr>[:<target>]=<min|max|first|last|union> (repeatable)")
	for _, name := range []string{"dimension", "cache", "cache-dir", "content-hash", "reader", "monotonic", "workers"} {
		cfg.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Create a THREDDS catalog from a list of dataset files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readFileList(cfg.GetString("files"))
			if err != nil {
				return err
			}
			cat, err := catalog.Build(files, cfg.GetString("ds-id"), catalog.Options{
				OpenDAP:  cfg.GetBool("opendap"),
				NcMLPath: cfg.GetString("ncml"),
			})
			if err != nil {
				return err
			}
			text, err := cat.Render()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP("files", "f", "-", "file containing the list of dataset files, or - for stdin")
	flags.StringP("ds-id", "i", "", "dataset ID")
	flags.BoolP("opendap", "o", false, "make individual files available through OPeNDAP")
	flags.StringP("ncml", "n", "", "path to an NcML file to reference as an aggregation")
	cmd.MarkFlagRequired("ds-id")
	for _, name := range []string{"files", "ds-id", "opendap", "ncml"} {
		cfg.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func findNcMLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-ncml CATALOG",
		Short: "Print the paths of all NcML aggregations referenced in a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := catalog.FindNcMLFile(fs, args[0])
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), paths)
			return nil
		},
	}
}

func findNetCDFCmd() *cobra.Command {
	var rootFlags []string
	cmd := &cobra.Command{
		Use:   "find-netcdf CATALOG",
		Short: "Print the paths of all dataset files referenced in a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := parseStringMap(rootFlags)
			if err != nil {
				return err
			}
			paths, err := catalog.FindNetCDFFile(fs, args[0], roots)
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), paths)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rootFlags, "dataset-root", nil, "dataset root replacement, as <prefix>=<location> (repeatable)")
	return cmd
}

func partitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partition",
		Short: "Group file paths from stdin by date pattern and print the groups as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := readLines(os.Stdin)
			if err != nil {
				return err
			}
			groups := partition.Partition(paths)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(groups)
		},
	}
}

func warmCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm-cache CONFIG BASE_URL",
		Short: "Request every configured dataset endpoint to prime the server's caches",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			datasets, err := warmer.LoadConfig(fs, args[0])
			if err != nil {
				return err
			}
			w := warmer.New(args[1], datasets,
				warmer.WithConcurrency(cfg.GetInt("concurrency")),
				warmer.WithMaxRetries(uint64(cfg.GetInt("retries"))),
				warmer.WithLogger(log),
			)
			return w.Warm(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.Int("concurrency", 4, "maximum in-flight requests")
	flags.Int("retries", 2, "retries per request before reporting failure")
	for _, name := range []string{"concurrency", "retries"} {
		cfg.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

// readLines reads non-empty lines from r.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// readFileList reads non-empty lines from a file, or stdin for "-".
func readFileList(path string) ([]string, error) {
	if path == "-" || path == "" {
		return readLines(os.Stdin)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLines(f)
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// parseKeyValues parses repeated <key>=<value> flags.
func parseKeyValues(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute %q: should be <attr>=<value>", pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

// parseStringMap parses repeated <key>=<value> flags into a string map.
func parseStringMap(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid mapping %q: should be <prefix>=<location>", pair)
		}
		out[key] = value
	}
	return out, nil
}

// parseAttrAggs parses repeated <attr>[:<target>]=<reduction> flags.
func parseAttrAggs(specs []string) ([]aggregation.AggregatedGlobalAttr, error) {
	var out []aggregation.AggregatedGlobalAttr
	for _, spec := range specs {
		names, reductionName, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute aggregation %q: should be <attr>[:<target>]=<reduction>", spec)
		}
		reduction, ok := aggregation.ParseReduction(reductionName)
		if !ok {
			return nil, fmt.Errorf("unknown reduction %q (available: %s)", reductionName, availableReductions())
		}
		attr, target, _ := strings.Cut(names, ":")
		out = append(out, aggregation.AggregatedGlobalAttr{Attr: attr, Target: target, Reduce: reduction})
	}
	return out, nil
}

func availableReductions() string {
	names := []string{
		string(aggregation.ReduceMin),
		string(aggregation.ReduceMax),
		string(aggregation.ReduceFirst),
		string(aggregation.ReduceLast),
		string(aggregation.ReduceUnion),
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// parseMonotonic maps the --monotonic flag to a policy.
func parseMonotonic(s string) (aggregation.MonotonicPolicy, error) {
	switch s {
	case "error":
		return aggregation.MonotonicFatal, nil
	case "warn":
		return aggregation.MonotonicWarn, nil
	case "off":
		return aggregation.MonotonicIgnore, nil
	default:
		return 0, fmt.Errorf("invalid monotonic policy %q: should be error, warn or off", s)
	}
}
