// Package main provides the offline level-store packing tool. It reads
// a YAML level manifest and writes the compressed store consumed by the
// relay server.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftworks/relay/internal/levels"
)

// yamlManifest is the top-level YAML structure for level manifests.
type yamlManifest struct {
	Levels []yamlLevel `yaml:"levels"`
}

// yamlLevel is the YAML representation of one level entry.
type yamlLevel struct {
	ID     int32  `yaml:"id"`
	Name   string `yaml:"name"`
	Author string `yaml:"author"`
	Stars  uint8  `yaml:"stars"`
}

func main() {
	manifestPath := flag.String("manifest", "", "path to level manifest YAML")
	outputPath := flag.String("output", "", "path to output store file")
	flag.Parse()

	if *manifestPath == "" || *outputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: levelpack -manifest <file> -output <file>")
		os.Exit(1)
	}

	start := time.Now()

	raw, err := os.ReadFile(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading manifest: %v\n", err)
		os.Exit(1)
	}

	var manifest yamlManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		fmt.Fprintf(os.Stderr, "error: parsing manifest: %v\n", err)
		os.Exit(1)
	}
	if len(manifest.Levels) == 0 {
		fmt.Fprintln(os.Stderr, "error: manifest contains no levels")
		os.Exit(1)
	}

	var builder levels.Builder
	for i, lvl := range manifest.Levels {
		if lvl.Name == "" {
			fmt.Fprintf(os.Stderr, "error: level %d has no name\n", i)
			os.Exit(1)
		}
		builder.Add(levels.Metadata{
			LevelID: lvl.ID,
			Name:    lvl.Name,
			Author:  lvl.Author,
			Stars:   lvl.Stars,
		})
	}

	f, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: creating output: %v\n", err)
		os.Exit(1)
	}
	if err := builder.WriteTo(f); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "error: writing store: %v\n", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error: closing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("packed %d levels in %s\n", len(manifest.Levels), time.Since(start).Round(time.Millisecond))
}
