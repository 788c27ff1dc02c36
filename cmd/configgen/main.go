package main

import (
	"flag"
	"log"

	"github.com/danmuck/graspd/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "graspd":
		return "cmd/graspd/config.toml"
	case "objectives":
		return "cmd/graspd/objectives.toml"
	}
	log.Fatalf("unknown kind: %s", kind)
	return ""
}

func main() {
	kind := flag.String("kind", "graspd", "config kind: graspd|objectives")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing objectives file")
	input := flag.String("input", "", "objectives path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath("objectives")
		}
		objs, err := config.LoadObjectives(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %d objectives at %s", len(objs), path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
