// Package main is the entry point for bleepbackup-meta, the metadata
// export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bleepstore/bleepbackup/internal/config"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/serialization"
)

const usage = "Usage: bleepbackup-meta <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func openEngine(ctx context.Context, configPath string) (metadata.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.Metadata.OpenMetadata(ctx)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bleepbackup.yaml", "Config file path")
	output := fs.String("out", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names (default: all)")
	fs.Parse(args)

	ctx := context.Background()
	engine, err := openEngine(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata: %v\n", err)
		return 1
	}
	defer engine.Close()

	opts := &serialization.ExportOptions{}
	if *tables != "" {
		for _, t := range strings.Split(*tables, ",") {
			opts.Tables = append(opts.Tables, strings.TrimSpace(t))
		}
	}

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	counts, err := serialization.Export(ctx, engine, w, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}
	for _, table := range metadata.Tables {
		if n, ok := counts[table]; ok {
			fmt.Fprintf(os.Stderr, "  %s: %d exported\n", table, n)
		}
	}
	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bleepbackup.yaml", "Config file path")
	input := fs.String("in", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Clear every table before importing")
	fs.Parse(args)

	ctx := context.Background()
	engine, err := openEngine(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata: %v\n", err)
		return 1
	}
	defer engine.Close()

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return 1
		}
		defer f.Close()
		r = f
	}

	result, err := serialization.Import(ctx, engine, r, &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range metadata.Tables {
		count, ok := result.Counts[table]
		skip := result.Skipped[table]
		if !ok && skip == 0 {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
