package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"edge-recorder/cmd"
	"edge-recorder/config"
	"edge-recorder/constant"
)

func main() {
	path, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(constant.ExitConfigError)
	}

	root := cmd.Root(cfg)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Send()
	}
}
