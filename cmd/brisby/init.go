package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/store"
	"github.com/brisbynet/brisby/internal/validation"
)

// initCmd chunks a file into a local Chunk Store and writes its manifest,
// the publish-side half of spec.md §4.A.
func initCmd(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	storeDir := fs.String("store", "./chunks", "Chunk Store directory")
	manifestOut := fs.String("manifest", "", "manifest output path (default <file>.manifest.json)")
	keywords := fs.String("keywords", "", "comma-separated search keywords")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: brisby init [flags] <file>")
	}
	path := fs.Arg(0)
	if err := validation.ValidateFilePath(path, true); err != nil {
		return err
	}

	st, err := store.Open(*storeDir)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer st.Close()

	manifest, err := content.ChunkFile(path, st, splitKeywords(*keywords))
	if err != nil {
		return fmt.Errorf("chunk file: %w", err)
	}

	out := *manifestOut
	if out == "" {
		out = path + ".manifest.json"
	}
	if err := writeManifest(out, manifest); err != nil {
		return err
	}

	fmt.Printf("content_hash=%x chunks=%d size=%d manifest=%s\n",
		manifest.ContentHash, manifest.ChunkCount(), manifest.Size, out)
	return nil
}

func splitKeywords(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if word := strings.TrimSpace(part); word != "" {
			out = append(out, word)
		}
	}
	return out
}
