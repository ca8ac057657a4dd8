package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bookhaven/bookhaven/pkg/epub"
	"github.com/bookhaven/bookhaven/pkg/identifiers"
	"github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
)

func main() {
	log := logger.New()

	var opts struct {
		CoverOutput  string `short:"o" long:"cover-output" description:"A path to output the cover image"`
		RelativePath string `short:"r" long:"relative-path" description:"The path relative to the library root, used for the identifier fallback"`
	}

	args, err := flags.Parse(&opts)
	if err != nil {
		log.Err(err).Fatal("flags parse error")
	}

	if len(args) != 1 {
		fmt.Println("go run ./cmd/scripts/debug/parse-epub [-r rel/path.epub] <path/to/file.epub>")
		os.Exit(1)
	}

	metadata, err := epub.Parse(args[0])
	if err != nil {
		log.Err(err).Fatal("epub parse error")
	}

	rel := opts.RelativePath
	if rel == "" {
		rel = args[0]
	}

	fmt.Printf("Identifier: %q (%s)\n", metadata.Identifier, identifiers.Classify(metadata.Identifier))
	fmt.Printf("Resolved Identifier: %s\n", identifiers.Resolve(metadata.Identifier, rel))
	fmt.Printf("Title: %s\n", metadata.Title)
	fmt.Printf("Author(s): %s\n", strings.Join(metadata.Authors, "; "))
	fmt.Printf("Series: %s (%g)\n", metadata.Series, metadata.SeriesIndex)
	fmt.Printf("Has Cover Data: %v\nCover Mime Type: %s\n", len(metadata.Cover) > 0, metadata.CoverMediaType)

	if opts.CoverOutput != "" && metadata.Cover != nil {
		err := os.WriteFile(opts.CoverOutput, metadata.Cover, 0644)
		if err != nil {
			log.Err(err).Fatal("file write error")
		}
	}
}
