package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	"gridworld.ai/internal/persistence/r2s3"
	"gridworld.ai/internal/sim/tuning"
)

// buildMirror returns nil when the mirror is disabled. Credentials in the
// environment override the tuning file so secrets can stay out of it.
func buildMirror(ctx context.Context, p tuning.Persistence, logger *log.Logger) (*r2s3.Mirror, error) {
	cfg := p.S3
	if !envBool("GRIDWORLD_S3_MIRROR", cfg.Enabled) {
		return nil, nil
	}
	if v := strings.TrimSpace(os.Getenv("GRIDWORLD_S3_ACCESS_KEY_ID")); v != "" {
		cfg.AccessKeyID = v
	}
	if v := strings.TrimSpace(os.Getenv("GRIDWORLD_S3_SECRET_ACCESS_KEY")); v != "" {
		cfg.SecretAccessKey = v
	}

	client, err := r2s3.New(ctx, r2s3.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, p.DataDir, cfg.Prefix, r2s3.MirrorOptions{
		Workers: envInt("GRIDWORLD_S3_UPLOAD_WORKERS", 2),
		Logger:  logger,
	}), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
