package flows

// This file centralizes SQL statement strings so call sites don't need to
// format table names inline. The only dynamic part is the schema-qualified
// table name embedded in dbTables.

func (t dbTables) insertRunSQL() string {
	return `INSERT INTO ` + t.runs + ` (workflow_name_shard, run_id, workflow_name, workflow_key, status, input_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (workflow_name_shard, workflow_name, workflow_key) WHERE status IN ` + activeStatusList + `
		DO NOTHING
		RETURNING run_id::text`
}

func (t dbTables) selectActiveRunSQL() string {
	return `SELECT run_id::text
		FROM ` + t.runs + `
		WHERE workflow_name_shard = $1 AND workflow_name = $2 AND workflow_key = $3
			AND status IN ` + activeStatusList + `
		LIMIT 1`
}

func (t dbTables) getRunStatusSQL() string {
	return `
		SELECT status, error_text, attempts, created_at, updated_at, next_wake_at
		FROM ` + t.runs + `
		WHERE workflow_name_shard = $1 AND run_id = $2
	`
}

func (t dbTables) latestRunSQL() string {
	return `
		SELECT run_id::text, status, error_text, attempts, created_at, updated_at, next_wake_at
		FROM ` + t.runs + `
		WHERE workflow_name_shard = $1 AND workflow_name = $2 AND workflow_key = $3
		ORDER BY created_at DESC, run_id DESC
		LIMIT 1
	`
}

func (t dbTables) getRunOutputSQL() string {
	return `
		SELECT status, output_json
		FROM ` + t.runs + `
		WHERE workflow_name_shard = $1 AND run_id = $2
	`
}

func (t dbTables) listStepsSQL() string {
	return `
		SELECT step_key, status, output_json, error_text, attempts, updated_at
		FROM ` + t.steps + `
		WHERE workflow_name_shard = $1 AND run_id = $2
		ORDER BY created_at, step_key
	`
}

func (t dbTables) selectStepStatusSQL() string {
	return `SELECT status, output_json
		FROM ` + t.steps + `
		WHERE workflow_name_shard = $1 AND run_id = $2 AND step_key = $3`
}

// upsertStepCompletedSQL never overwrites an already completed step; when it
// does not return a row, the caller must read back the stored output.
func (t dbTables) upsertStepCompletedSQL() string {
	return `
		INSERT INTO ` + t.steps + ` AS s (workflow_name_shard, run_id, step_key, status, input_json, output_json, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (workflow_name_shard, run_id, step_key) DO UPDATE
		SET status = EXCLUDED.status,
			input_json = EXCLUDED.input_json,
			output_json = EXCLUDED.output_json,
			error_text = NULL,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at
		WHERE s.status <> EXCLUDED.status
		RETURNING output_json
	`
}

func (t dbTables) upsertStepFailedSQL() string {
	return `
		INSERT INTO ` + t.steps + ` AS s (workflow_name_shard, run_id, step_key, status, error_text, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (workflow_name_shard, run_id, step_key) DO UPDATE
		SET status = EXCLUDED.status,
			error_text = EXCLUDED.error_text,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at
		WHERE s.status = EXCLUDED.status
	`
}

func (t dbTables) selectWaitStateSQL() string {
	return `SELECT wake_at, satisfied_at
		FROM ` + t.waits + `
		WHERE workflow_name_shard = $1 AND run_id = $2 AND wait_key = $3 AND wait_type = $4`
}

func (t dbTables) satisfySleepWaitSQL() string {
	return `UPDATE ` + t.waits + `
		SET satisfied_at = now(), updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2 AND wait_key = $3 AND satisfied_at IS NULL`
}

func (t dbTables) insertSatisfiedSleepWaitSQL() string {
	return `
		INSERT INTO ` + t.waits + ` AS w (workflow_name_shard, run_id, wait_key, wait_type, wake_at, satisfied_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (workflow_name_shard, run_id, wait_key) DO UPDATE
		SET satisfied_at = COALESCE(w.satisfied_at, now()),
			updated_at = now()
	`
}

func (t dbTables) upsertSleepWaitSQL() string {
	return `
		INSERT INTO ` + t.waits + ` (workflow_name_shard, run_id, wait_key, wait_type, wake_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (workflow_name_shard, run_id, wait_key) DO UPDATE
		SET wake_at = EXCLUDED.wake_at,
			updated_at = EXCLUDED.updated_at
	`
}

func (t dbTables) setRunSleepingSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = '` + runStatusSleeping + `',
			next_wake_at = $4,
			lease_owner = NULL,
			lease_until = NULL,
			updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2 AND lease_owner = $3`
}

// claimRunnableRunForShardSQL picks one runnable run: queued, sleeping past its
// wake time, or running under an expired lease (its worker died).
func (t dbTables) claimRunnableRunForShardSQL() string {
	return `
		UPDATE ` + t.runs + ` AS r
		SET status = '` + runStatusRunning + `',
			lease_owner = $3,
			lease_until = now() + make_interval(secs => $4::double precision),
			next_wake_at = NULL,
			attempts = r.attempts + 1,
			updated_at = now()
		WHERE r.workflow_name_shard = $1
		  AND r.run_id = (
			SELECT run_id
			FROM ` + t.runs + `
			WHERE workflow_name_shard = $1
			  AND workflow_name = $2
			  AND (
				status = '` + runStatusQueued + `'
				OR (status = '` + runStatusSleeping + `' AND next_wake_at IS NOT NULL AND next_wake_at <= now())
				OR (status = '` + runStatusRunning + `' AND lease_until IS NOT NULL AND lease_until < now())
			  )
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		  )
		RETURNING r.run_id::text, r.workflow_key, r.input_json, r.attempts
	`
}

func (t dbTables) renewLeaseSQL() string {
	return `UPDATE ` + t.runs + `
		SET lease_until = now() + make_interval(secs => $4::double precision), updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2 AND lease_owner = $3
			AND status = '` + runStatusRunning + `'`
}

func (t dbTables) requeueRunSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = '` + runStatusQueued + `', lease_owner = NULL, lease_until = NULL, updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2 AND lease_owner = $3`
}

func (t dbTables) setRunFailedSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = '` + runStatusFailed + `',
			error_text = $4,
			next_wake_at = NULL,
			lease_owner = NULL,
			lease_until = NULL,
			finished_at = now(),
			updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2 AND lease_owner = $3`
}

func (t dbTables) setRunCompletedSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = '` + runStatusCompleted + `',
			output_json = $4,
			error_text = NULL,
			next_wake_at = NULL,
			lease_owner = NULL,
			lease_until = NULL,
			finished_at = now(),
			updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2 AND lease_owner = $3`
}

// wakeSleepingRunSQL only ever moves a sleeping run's wake time earlier.
func (t dbTables) wakeSleepingRunSQL() string {
	return `UPDATE ` + t.runs + `
		SET next_wake_at = $3, updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2
			AND status = '` + runStatusSleeping + `' AND next_wake_at > $3`
}

func (t dbTables) pullSleepWaitsSQL() string {
	return `UPDATE ` + t.waits + `
		SET wake_at = $3, updated_at = now()
		WHERE workflow_name_shard = $1 AND run_id = $2
			AND wait_type = '` + waitTypeSleep + `' AND satisfied_at IS NULL AND wake_at > $3`
}
