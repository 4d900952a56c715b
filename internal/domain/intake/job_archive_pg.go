package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/hl7v2"
)

// PGJobArchive keeps finished jobs in Postgres after they leave memory.
type PGJobArchive struct{ pool *pgxpool.Pool }

func NewPGJobArchive(pool *pgxpool.Pool) *PGJobArchive {
	return &PGJobArchive{pool: pool}
}

const jobCols = `id, session_id, file_name, status, trigger_event, send_enabled,
	total_selected, error, created_at, completed_at`

const resultCols = `idx, patient_uuid, mrn, status, outcome, message, ack,
	error, hint, control_id, attempts`

// Save upserts the job and replaces its results in one transaction.
func (a *PGJobArchive) Save(ctx context.Context, j *UploadJob) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO upload_jobs (`+jobCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_selected = EXCLUDED.total_selected,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		j.ID, j.SessionID, j.FileName, j.Status, string(j.TriggerEvent), j.SendEnabled,
		j.TotalSelected, j.Error, j.CreatedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", j.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM upload_job_results WHERE job_id = $1`, j.ID); err != nil {
		return fmt.Errorf("clear results of job %s: %w", j.ID, err)
	}

	batch := &pgx.Batch{}
	for pos, r := range j.Results {
		batch.Queue(`
			INSERT INTO upload_job_results (job_id, position, `+resultCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			j.ID, pos, r.Index, r.PatientUUID, r.MRN, r.Status, r.Outcome, r.Message, r.Ack,
			r.Error, r.Hint, r.ControlID, r.Attempts)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("archive results of job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive of job %s: %w", j.ID, err)
	}
	return nil
}

// Get loads an archived job with its results in original order.
func (a *PGJobArchive) Get(ctx context.Context, id string) (*UploadJob, error) {
	var j UploadJob
	var trigger string
	err := a.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM upload_jobs WHERE id = $1`, id).Scan(
		&j.ID, &j.SessionID, &j.FileName, &j.Status, &trigger, &j.SendEnabled,
		&j.TotalSelected, &j.Error, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load archived job %s: %w", id, err)
	}
	j.TriggerEvent = hl7v2.TriggerEvent(trigger)

	rows, err := a.pool.Query(ctx,
		`SELECT `+resultCols+` FROM upload_job_results WHERE job_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load results of job %s: %w", id, err)
	}
	defer rows.Close()

	j.Results = []JobResult{}
	for rows.Next() {
		var r JobResult
		if err := rows.Scan(&r.Index, &r.PatientUUID, &r.MRN, &r.Status, &r.Outcome, &r.Message,
			&r.Ack, &r.Error, &r.Hint, &r.ControlID, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan result of job %s: %w", id, err)
		}
		j.Results = append(j.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results of job %s: %w", id, err)
	}
	return &j, nil
}
