package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/dbconfig"
	"github.com/tempohq/tempo/go/internal/timer/repository"
)

func setupDatabase(ctx context.Context, dbConfig dbconfig.Config) (repository.Repository, error) {
	repo, err := repository.Open(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, err
	}

	if dbConfig.Driver == dbconfig.DriverSQLite {
		log.Info().Str("path", dbConfig.SQLitePath).Msg("connected to sqlite entry store")
	} else {
		log.Info().
			Str("user", dbConfig.User).
			Str("host", dbConfig.Host).
			Int("port", dbConfig.Port).
			Str("database", dbConfig.Database).
			Msg("connected to postgres entry store")
	}
	return repo, nil
}
