package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/pipeline"
	"pipeline-patcher/internal/registry"
)

// Binder turns manifest entries into adapters.
type Binder struct {
	// S3 is nil when no bucket is configured; s3 kinds then fail to bind.
	S3     objectAPI
	Bucket string
	// Root anchors relative local directories.
	Root string
	// Dir is the working directory of shell commands.
	Dir    string
	Logger *slog.Logger
}

// Bind implements pipeline.Binder.
func (b *Binder) Bind(spec pipeline.KindSpec) (registry.Deleter, error) {
	cmd := &Command{
		Kind:    spec.Name,
		Units:   spec.Commands.Units,
		Present: spec.Commands.Present,
		Run:     spec.Commands.Compute,
		Remove:  spec.Commands.Delete,
		Dir:     b.Dir,
		Logger:  b.Logger,
	}
	computed := models.Label(spec.Label) == models.LabelComputed

	switch spec.Storage {
	case pipeline.StorageCommand, "":
		return cmd, nil
	case pipeline.StorageS3:
		bucket := spec.S3.Bucket
		if bucket == "" {
			bucket = b.Bucket
		}
		if b.S3 == nil || bucket == "" {
			return nil, fmt.Errorf("kind %s uses s3 but no bucket is configured", spec.Name)
		}
		store := NewS3(b.S3, bucket, spec.S3.Prefix, spec.S3.EligiblePrefix)
		if !computed {
			return store, nil
		}
		return withCompute(store, store, cmd, spec.S3.EligiblePrefix == ""), nil
	case pipeline.StorageLocal:
		store := NewLocal(b.resolve(spec.Local.Dir), b.resolve(spec.Local.EligibleDir))
		if !computed {
			return store, nil
		}
		return withCompute(store, store, cmd, spec.Local.EligibleDir == ""), nil
	default:
		return nil, fmt.Errorf("kind %s: unknown storage %q", spec.Name, spec.Storage)
	}
}

func (b *Binder) resolve(dir string) string {
	if dir == "" || filepath.IsAbs(dir) || b.Root == "" {
		return dir
	}
	return filepath.Join(b.Root, dir)
}

type eligibleLister interface {
	Eligible(ctx context.Context, scope models.Scope) ([]string, error)
}

// computing pairs a storage adapter with a command that computes into it.
type computing struct {
	registry.Deleter
	eligible eligibleLister
	cmd      *Command
}

func withCompute(store registry.Deleter, storeEligible eligibleLister, cmd *Command, unitsFromCommand bool) *computing {
	c := &computing{Deleter: store, eligible: storeEligible, cmd: cmd}
	if unitsFromCommand {
		c.eligible = cmd
	}
	return c
}

func (c *computing) Eligible(ctx context.Context, scope models.Scope) ([]string, error) {
	return c.eligible.Eligible(ctx, scope)
}

func (c *computing) Compute(ctx context.Context, scope models.Scope, unit string) error {
	return c.cmd.Compute(ctx, scope, unit)
}

var (
	_ registry.Artifact = (*Command)(nil)
	_ registry.Artifact = (*computing)(nil)
	_ registry.Deleter  = (*S3)(nil)
	_ registry.Deleter  = (*Local)(nil)
)
