// Package obsdb reads the observation database that records every exposure
// taken by the instrument. The spec generator queries it for the visits
// that feed each calibration product.
//
// Access is read-only over database/sql with the pgx driver. The schema in
// play: obs_visit (visit_id, design_id, issued_at), visit_set linking
// visits to sps_sequence (sequence_type), sps_exposure (beam_config_date),
// sps_camera (arm, module_id) and sps_annotation (data_flag).
package obsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/spectra-drp/pipegen/pkg/types"
)

// Config holds the connection settings for the observation database.
type Config struct {
	URL          string
	PingTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("obsdb: database URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("obsdb: ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("obsdb: max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("obsdb: max idle conns must be between 0 and max open conns")
	}
	return nil
}

// DefaultConfig returns a Config suitable for a local database.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		PingTimeout:  2 * time.Second,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}
}

// DB is a read-only handle on the observation database.
type DB struct {
	db *sql.DB
}

// Open validates the config, opens the pool and pings the database with a
// deadline so a bad URL fails at startup rather than on the first query.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open observation database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping observation database: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// SelectBeamConfigs returns the distinct beam configurations under which
// sequences of the given type were taken, limited to the criteria window.
// The result is unordered.
func (d *DB) SelectBeamConfigs(
	ctx context.Context, sequenceType string, criteria SelectionCriteria,
) ([]types.BeamConfig, error) {
	pred, predArgs := criteria.SQL(2)
	query := fmt.Sprintf(`
	SELECT
	    beam_config_date, design_id
	FROM
	    visit_set
	    JOIN sps_sequence USING (visit_set_id)
	    JOIN sps_exposure USING (visit_id)
	    JOIN obs_visit USING (visit_id)
	WHERE
	    sequence_type = $1
	    AND %s
	GROUP BY
	    beam_config_date, design_id
	`, pred)

	args := append([]any{sequenceType}, predArgs...)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query beam configs: %w", err)
	}
	defer rows.Close()

	var configs []types.BeamConfig
	for rows.Next() {
		var bc types.BeamConfig
		if err := rows.Scan(&bc.Date, &bc.DesignID); err != nil {
			return nil, fmt.Errorf("failed to scan beam config: %w", err)
		}
		configs = append(configs, bc)
	}
	return configs, rows.Err()
}

// SelectFileIDs returns the file identifiers of usable exposures matching
// the sequence type and arm within the criteria window. Exposures whose
// annotation flags them as bad are excluded; unannotated exposures pass.
// A non-nil beamConfig restricts the result to that configuration. Rows
// come back ordered by visit.
func (d *DB) SelectFileIDs(
	ctx context.Context, sequenceType string, arm types.Arm,
	criteria SelectionCriteria, beamConfig *types.BeamConfig,
) ([]types.FileID, error) {
	args := []any{sequenceType, string(arm)}
	beamPred := ""
	if beamConfig != nil {
		beamPred = "AND beam_config_date = $3\n\t    AND design_id = $4"
		args = append(args, beamConfig.Date, beamConfig.DesignID)
	}
	pred, predArgs := criteria.SQL(len(args) + 1)
	args = append(args, predArgs...)

	query := fmt.Sprintf(`
	SELECT
	    visit_id, arm, module_id
	FROM
	    sps_sequence
	    JOIN visit_set USING (visit_set_id)
	    JOIN obs_visit USING (visit_id)
	    JOIN sps_exposure USING (visit_id)
	    JOIN sps_camera USING (sps_camera_id)
	    LEFT JOIN sps_annotation USING (visit_id, sps_camera_id)
	WHERE
	    sps_sequence.sequence_type = $1
	    AND sps_camera.arm = $2
	    %s
	    AND (
	        sps_annotation.data_flag IS NULL
	        OR sps_annotation.data_flag = 0
	    )
	    AND %s
	ORDER BY
	    visit_id
	`, beamPred, pred)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file ids: %w", err)
	}
	defer rows.Close()

	var ids []types.FileID
	for rows.Next() {
		var id types.FileID
		if err := rows.Scan(&id.Visit, &id.Arm, &id.Spectrograph); err != nil {
			return nil, fmt.Errorf("failed to scan file id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
