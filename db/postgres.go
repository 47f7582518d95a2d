// Postgres backend.  Functionally identical to the sqlite backend; used when
// the stores live on a shared server instead of local files.  The connection
// is not thread-safe, so every use goes through the mutex-guarded helpers
// (a pool would be overkill: the tracker is effectively a single writer and
// the viewers issue one query per invocation).

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

type pgConn struct {
	conn *pgx.Conn
	lock sync.Mutex
}

func openPgConn(uri string, schema []string) (*pgConn, error) {
	conn, err := pgx.Connect(context.Background(), uri)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to connect: %v", errs.StoreAccessErr, err)
	}
	c := &pgConn{conn: conn}
	for _, stmt := range schema {
		if _, err := c.exec(stmt); err != nil {
			conn.Close(context.Background())
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	return c, nil
}

func (c *pgConn) query(q string, args ...any) (pgx.Rows, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn.Query(context.Background(), q, args...)
}

func (c *pgConn) exec(q string, args ...any) (int64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	tag, err := c.conn.Exec(context.Background(), q, args...)
	return tag.RowsAffected(), err
}

// tx runs fn inside a transaction, holding the connection for the duration.
func (c *pgConn) tx(fn func(tx pgx.Tx) error) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	ctx := context.Background()
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (c *pgConn) close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn.Close(context.Background())
}

///////////////////////////////////////////////////////////////////////////////////////////////////
//
// Job store

var pgJobSchema = []string{
	`CREATE TABLE IF NOT EXISTS job (
		id TEXT NOT NULL PRIMARY KEY,
		scheduler TEXT NOT NULL,
		jobid BIGINT NOT NULL,
		jobindex BIGINT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		username TEXT NOT NULL,
		queue TEXT NOT NULL,
		slots BIGINT NOT NULL,
		cpu_efficiency DOUBLE PRECISION,
		cpu_time DOUBLE PRECISION,
		mem_lim BIGINT,
		mem_max BIGINT,
		mem_efficiency DOUBLE PRECISION,
		from_host TEXT NOT NULL,
		exec_host TEXT,
		submit_time TIMESTAMPTZ NOT NULL,
		start_time TIMESTAMPTZ,
		finish_time TIMESTAMPTZ,
		update_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_startendtime ON job (start_time, finish_time)`,
	`CREATE TABLE IF NOT EXISTS incomplete (LIKE job INCLUDING ALL)`,
	`CREATE TABLE IF NOT EXISTS unixuser (
		login TEXT NOT NULL PRIMARY KEY,
		unix_group TEXT NOT NULL,
		unix_groups TEXT NOT NULL
	)`,
}

type pgJobStore struct {
	c *pgConn
}

func openPgJobStore(uri string) (*pgJobStore, error) {
	c, err := openPgConn(uri, pgJobSchema)
	if err != nil {
		return nil, err
	}
	return &pgJobStore{c}, nil
}

func (s *pgJobStore) Close() error {
	return s.c.close()
}

const pgJobColumns = `id, scheduler, jobid, jobindex, name, status, username, queue, slots,
	cpu_efficiency, cpu_time, mem_lim, mem_max, mem_efficiency, from_host, exec_host,
	submit_time, start_time, finish_time, update_time`

const pgJobValues = `($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

func pgJobArgs(j *JobRecord) []any {
	acc := j.Accession
	if acc == "" {
		acc = j.ComputeAccession()
	}
	return []any{
		acc, j.Scheduler, j.ID, j.Index, j.Name, j.Status, j.User, j.Queue, j.Slots,
		j.CpuEfficiency, j.CpuTime, j.MemLimMB, j.MemMaxMB, j.MemEfficiency,
		j.FromHost, j.ExecHost,
		j.SubmitTime.UTC(), pgNullTime(j.StartTime), pgNullTime(j.FinishTime), j.UpdateTime.UTC(),
	}
}

func pgNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (s *pgJobStore) UpdateJobs(jobs []*JobRecord) error {
	return s.insertJobs(
		`INSERT INTO job VALUES `+pgJobValues+`
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cpu_efficiency = EXCLUDED.cpu_efficiency,
			cpu_time = EXCLUDED.cpu_time,
			mem_lim = EXCLUDED.mem_lim,
			mem_max = EXCLUDED.mem_max,
			mem_efficiency = EXCLUDED.mem_efficiency,
			exec_host = EXCLUDED.exec_host,
			start_time = EXCLUDED.start_time,
			finish_time = EXCLUDED.finish_time,
			update_time = EXCLUDED.update_time`,
		jobs, false)
}

func (s *pgJobStore) ReplaceIncomplete(jobs []*JobRecord) error {
	return s.insertJobs("INSERT INTO incomplete VALUES "+pgJobValues, jobs, true)
}

func (s *pgJobStore) insertJobs(stmt string, jobs []*JobRecord, clearIncomplete bool) error {
	err := s.c.tx(func(tx pgx.Tx) error {
		ctx := context.Background()
		if clearIncomplete {
			if _, err := tx.Exec(ctx, "DELETE FROM incomplete"); err != nil {
				return err
			}
		}
		for _, j := range jobs {
			if _, err := tx.Exec(ctx, stmt, pgJobArgs(j)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

func (s *pgJobStore) FindJobs(from, to time.Time, user string) ([]*JobRecord, error) {
	from = from.UTC()
	to = to.UTC()

	jobQuery := `SELECT ` + pgJobColumns + ` FROM job
		WHERE start_time IS NOT NULL
		  AND ((start_time >= $1 AND start_time < $2)
		    OR (finish_time >= $1 AND finish_time < $2)
		    OR (start_time < $1 AND finish_time >= $1))`
	jobParams := []any{from, to}

	incQuery := `SELECT ` + pgJobColumns + ` FROM incomplete
		WHERE start_time IS NOT NULL AND start_time < $1`
	incParams := []any{to}

	if user != "" {
		jobQuery += " AND username = $3"
		jobParams = append(jobParams, user)
		incQuery += " AND username = $2"
		incParams = append(incParams, user)
	}

	var all []*JobRecord
	for _, q := range []struct {
		query  string
		params []any
	}{{jobQuery, jobParams}, {incQuery, incParams}} {
		rows, err := s.c.query(q.query, q.params...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		for rows.Next() {
			j, err := scanPgJob(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
			}
			all = append(all, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	return all, nil
}

func scanPgJob(rows pgx.Rows) (*JobRecord, error) {
	var j JobRecord
	var cpuEff, cpuTime, memEff *float64
	var memLim, memMax *int64
	var execHost *string
	var start, finish *time.Time
	err := rows.Scan(
		&j.Accession, &j.Scheduler, &j.ID, &j.Index, &j.Name, &j.Status, &j.User,
		&j.Queue, &j.Slots, &cpuEff, &cpuTime, &memLim, &memMax, &memEff,
		&j.FromHost, &execHost, &j.SubmitTime, &start, &finish, &j.UpdateTime,
	)
	if err != nil {
		return nil, err
	}
	if cpuEff != nil {
		j.CpuEfficiency = *cpuEff
	}
	if cpuTime != nil {
		j.CpuTime = *cpuTime
	}
	if memLim != nil {
		j.MemLimMB = *memLim
	}
	if memMax != nil {
		j.MemMaxMB = *memMax
	}
	if memEff != nil {
		j.MemEfficiency = *memEff
	}
	if execHost != nil {
		j.ExecHost = *execHost
	}
	if start != nil {
		j.StartTime = start.UTC()
	}
	if finish != nil {
		j.FinishTime = finish.UTC()
	}
	j.SubmitTime = j.SubmitTime.UTC()
	j.UpdateTime = j.UpdateTime.UTC()
	return &j, nil
}

func (s *pgJobStore) LatestUpdate() (time.Time, error) {
	rows, err := s.c.query("SELECT MAX(update_time) FROM job")
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	var latest *time.Time
	if rows.Next() {
		if err := rows.Scan(&latest); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

func (s *pgJobStore) UnixUsers() (map[string]*UnixUser, error) {
	rows, err := s.c.query("SELECT login, unix_group, unix_groups FROM unixuser")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	users := make(map[string]*UnixUser)
	for rows.Next() {
		var u UnixUser
		if err := rows.Scan(&u.Login, &u.Group, &u.Groups); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		users[u.Login] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return users, nil
}

func (s *pgJobStore) UpdateUnixUsers(users []*UnixUser) error {
	err := s.c.tx(func(tx pgx.Tx) error {
		for _, u := range users {
			_, err := tx.Exec(context.Background(),
				`INSERT INTO unixuser VALUES ($1, $2, $3)
				 ON CONFLICT (login) DO UPDATE SET
					unix_group = EXCLUDED.unix_group, unix_groups = EXCLUDED.unix_groups`,
				u.Login, u.Group, u.Groups)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////////////////////////
//
// Usage store

var pgUsageSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage (
		date TEXT NOT NULL,
		login TEXT NOT NULL,
		jobs BIGINT NOT NULL,
		cpu_time DOUBLE PRECISION NOT NULL,
		mem_time DOUBLE PRECISION NOT NULL,
		energy DOUBLE PRECISION NOT NULL,
		co2e DOUBLE PRECISION NOT NULL,
		cost DOUBLE PRECISION NOT NULL,
		CONSTRAINT pk_usage PRIMARY KEY (date, login)
	)`,
	`CREATE TABLE IF NOT EXISTS usageuser (
		login TEXT NOT NULL PRIMARY KEY,
		name TEXT,
		uuid TEXT NOT NULL UNIQUE,
		teams TEXT NOT NULL,
		position TEXT,
		sponsor TEXT,
		unix_group TEXT,
		unix_groups TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS report (
		login TEXT NOT NULL,
		month TEXT NOT NULL,
		data TEXT NOT NULL,
		CONSTRAINT pk_report PRIMARY KEY (login, month)
	)`,
}

type pgUsageStore struct {
	c *pgConn
}

func openPgUsageStore(uri string) (*pgUsageStore, error) {
	c, err := openPgConn(uri, pgUsageSchema)
	if err != nil {
		return nil, err
	}
	return &pgUsageStore{c}, nil
}

func (s *pgUsageStore) Close() error {
	return s.c.close()
}

func (s *pgUsageStore) Checkpoint() (time.Time, bool, error) {
	rows, err := s.c.query("SELECT value FROM metadata WHERE key = $1", metaCheckpoint)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return time.Time{}, false, rows.Err()
	}
	var value string
	if err := rows.Scan(&value); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	t, err := common.ParseDate(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: bad checkpoint %q", errs.StoreAccessErr, value)
	}
	return t, true, nil
}

func (s *pgUsageStore) CommitDay(date time.Time, rows []*UsageRecord) error {
	day := common.FormatDate(date)
	err := s.c.tx(func(tx pgx.Tx) error {
		ctx := context.Background()
		if _, err := tx.Exec(ctx, "DELETE FROM usage WHERE date = $1", day); err != nil {
			return err
		}
		for _, r := range rows {
			_, err := tx.Exec(ctx,
				"INSERT INTO usage VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
				day, r.User, r.Jobs, r.CpuTime, r.MemTime, r.EnergyKWh, r.CO2eKg, r.Cost)
			if err != nil {
				return err
			}
		}
		var current string
		err := tx.QueryRow(ctx, "SELECT value FROM metadata WHERE key = $1", metaCheckpoint).
			Scan(&current)
		if err != nil && err != pgx.ErrNoRows {
			return err
		}
		if err == pgx.ErrNoRows || current < day {
			_, err = tx.Exec(ctx,
				`INSERT INTO metadata VALUES ($1, $2)
				 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
				metaCheckpoint, day)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
	}
	return nil
}

func (s *pgUsageStore) Usage(from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.c.query(
		`SELECT date, login, jobs, cpu_time, mem_time, energy, co2e, cost
		 FROM usage WHERE date >= $1 AND date <= $2 ORDER BY date, login`,
		common.FormatDate(from), common.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	var result []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(&r.Date, &r.User, &r.Jobs, &r.CpuTime, &r.MemTime,
			&r.EnergyKWh, &r.CO2eKg, &r.Cost)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return result, nil
}

func (s *pgUsageStore) Users() ([]*UserRecord, error) {
	rows, err := s.c.query(
		`SELECT login, name, uuid, teams, position, sponsor, unix_group, unix_groups FROM usageuser`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	var users []*UserRecord
	for rows.Next() {
		var u UserRecord
		var name, teams, position, sponsor, group, groups *string
		err := rows.Scan(&u.Login, &name, &u.UUID, &teams, &position, &sponsor, &group, &groups)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		u.Name = deref(name)
		u.Position = deref(position)
		u.Sponsor = deref(sponsor)
		u.Group = deref(group)
		u.Groups = deref(groups)
		if t := deref(teams); t != "" {
			if err := json.Unmarshal([]byte(t), &u.Teams); err != nil {
				return nil, fmt.Errorf("%w: bad teams for %s: %v", errs.StoreAccessErr, u.Login, err)
			}
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return users, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *pgUsageStore) UpdateUsers(users []*UserRecord) error {
	err := s.c.tx(func(tx pgx.Tx) error {
		for _, u := range users {
			teams, err := json.Marshal(u.Teams)
			if err != nil {
				return err
			}
			_, err = tx.Exec(context.Background(),
				`INSERT INTO usageuser VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (login) DO UPDATE SET
					name = EXCLUDED.name, teams = EXCLUDED.teams,
					position = EXCLUDED.position, sponsor = EXCLUDED.sponsor,
					unix_group = EXCLUDED.unix_group, unix_groups = EXCLUDED.unix_groups`,
				u.Login, u.Name, u.UUID, string(teams), u.Position, u.Sponsor, u.Group, u.Groups)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

func (s *pgUsageStore) UpdateReport(month string, payloads map[string]string) error {
	err := s.c.tx(func(tx pgx.Tx) error {
		for login, data := range payloads {
			_, err := tx.Exec(context.Background(),
				`INSERT INTO report VALUES ($1, $2, $3)
				 ON CONFLICT (login, month) DO UPDATE SET data = EXCLUDED.data`,
				login, month, data)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

func (s *pgUsageStore) Reports(month string) (map[string]string, error) {
	rows, err := s.c.query("SELECT login, data FROM report WHERE month = $1", month)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	payloads := make(map[string]string)
	for rows.Next() {
		var login, data string
		if err := rows.Scan(&login, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		payloads[login] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return payloads, nil
}

func (s *pgUsageStore) BumpUpdateTimes(jobsUpdate time.Time) error {
	stamps := [][2]string{
		{metaJobsUpdate, jobsUpdate.UTC().Format(TimeLayout)},
		{metaUsageUpdate, time.Now().UTC().Format(TimeLayout)},
	}
	err := s.c.tx(func(tx pgx.Tx) error {
		for _, kv := range stamps {
			_, err := tx.Exec(context.Background(),
				`INSERT INTO metadata VALUES ($1, $2)
				 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
				kv[0], kv[1])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}
