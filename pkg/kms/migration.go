package kms

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// MigrationOptions configures BatchMigrate.
type MigrationOptions struct {
	MigrationID string
	Migrate     func(ctx context.Context, item MigrationItem) error
}

// matches reports whether item satisfies policy (spec §4.11: "policy
// matches items on key age, min version, algorithm, deprecated
// key/algorithm sets, FIPS requirement, tenant whitelist"). The
// MinFormatVersion gate is a semver constraint (SPEC_FULL §4.11),
// grounded on the teacher's pack.matrix.go semver.NewConstraint/Check
// usage.
func matches(policy MigrationPolicy, item MigrationItem, now time.Time) (bool, error) {
	if policy.MaxKeyAge > 0 && now.Sub(item.CreatedAt) < policy.MaxKeyAge {
		return false, nil
	}

	if policy.MinFormatVersion != "" {
		constraint, err := semver.NewConstraint(policy.MinFormatVersion)
		if err != nil {
			return false, fmt.Errorf("kms: invalid MinFormatVersion constraint %q: %w", policy.MinFormatVersion, err)
		}
		itemVersion, err := semver.NewVersion(item.FormatVersion)
		if err != nil {
			return false, fmt.Errorf("kms: invalid item format version %q: %w", item.FormatVersion, err)
		}
		if constraint.Check(itemVersion) {
			// Item already meets the minimum version; nothing to migrate.
			return false, nil
		}
	}

	if len(policy.DeprecatedKeyIDs) > 0 {
		if _, ok := policy.DeprecatedKeyIDs[item.KeyID]; !ok {
			return false, nil
		}
	}
	if len(policy.DeprecatedAlgorithms) > 0 {
		if _, ok := policy.DeprecatedAlgorithms[item.Algorithm]; !ok {
			return false, nil
		}
	}
	if policy.RequireFips && !item.IsFipsCompliant {
		return false, nil
	}
	if len(policy.TenantWhitelist) > 0 {
		if _, ok := policy.TenantWhitelist[item.TenantID]; !ok {
			return false, nil
		}
	}

	return true, nil
}

// Estimate projects the cost of migrating items under policy (spec
// §4.11).
func Estimate(items []MigrationItem, policy MigrationPolicy, c clock.Clock) (*MigrationEstimate, error) {
	now := c.Now().UTC()
	est := &MigrationEstimate{
		Breakdowns:  make(map[string]int),
		EstimatedAt: now,
	}

	for _, item := range items {
		match, err := matches(policy, item, now)
		if err != nil {
			est.Warnings = append(est.Warnings, err.Error())
			continue
		}
		if !match {
			continue
		}
		est.ItemCount++
		est.ByteSize += item.SizeBytes
		est.Breakdowns[string(item.Algorithm)]++
	}

	// A simple linear throughput assumption; real deployments would
	// calibrate this against observed migration-worker throughput.
	const perItem = 5 * time.Millisecond
	est.Duration = time.Duration(est.ItemCount) * perItem

	return est, nil
}

// BatchMigrate runs opts.Migrate over every item matching policy,
// producing a BatchMigrationResult (spec §4.11). success is true only
// when every matched item succeeds; IsPartialSuccess is derived, never
// stored independently (spec §9 open question: success==true with
// failedCount>0 is not representable).
func BatchMigrate(ctx context.Context, items []MigrationItem, policy MigrationPolicy, opts MigrationOptions, c clock.Clock) (*BatchMigrationResult, error) {
	if opts.Migrate == nil {
		return nil, fmt.Errorf("%w: BatchMigrate requires a Migrate function", excerrors.ErrArgumentInvalid)
	}

	now := c.Now().UTC()
	result := &BatchMigrationResult{MigrationID: opts.MigrationID, StartedAt: now}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			break
		}
		match, err := matches(policy, item, now)
		if err != nil || !match {
			continue
		}

		result.Total++
		if err := opts.Migrate(ctx, item); err != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	result.CompletedAt = c.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Success = result.Failed == 0

	return result, nil
}
