package main

import (
	"flag"
	"os"

	"github.com/danmuck/formlink/internal/config"
	"github.com/danmuck/formlink/internal/logging"
	"github.com/rs/zerolog/log"
)

var defaultPaths = map[string]string{
	"formsvcd": "cmd/formsvcd/config.toml",
	"formctl":  "cmd/formctl/config.toml",
}

func main() {
	kind := flag.String("kind", "formsvcd", "config kind: formsvcd|formctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing formsvcd config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()
	def, ok := defaultPaths[*kind]
	if !ok {
		log.Fatal().Str("kind", *kind).Msg("unknown kind")
	}

	if *validate {
		if *kind != "formsvcd" {
			log.Fatal().Str("kind", *kind).Msg("only formsvcd configs can be validated here; formctl validates its own on start")
		}
		path := *input
		if path == "" {
			path = def
		}
		if _, err := config.LoadServiceConfig(path); err != nil {
			log.Error().Err(err).Msg("validation failed")
			os.Exit(1)
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("config valid")
		return
	}

	target := *output
	if target == "" {
		target = def
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Error().Err(err).Msg("write template failed")
		os.Exit(1)
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
