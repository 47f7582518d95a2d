package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

// Completed jobs live in `job`, still-running ones in `incomplete`; the
// collector rewrites the latter wholesale on every poll.  The `user` table
// records the unix identity of every login ever seen submitting.
var sqliteJobSchema = []string{
	`CREATE TABLE IF NOT EXISTS job (
		id TEXT NOT NULL PRIMARY KEY,
		scheduler TEXT NOT NULL,
		jobid INTEGER NOT NULL,
		jobindex INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		user TEXT NOT NULL,
		queue TEXT NOT NULL,
		slots INTEGER NOT NULL,
		cpu_efficiency REAL,
		cpu_time REAL,
		mem_lim INTEGER,
		mem_max INTEGER,
		mem_efficiency REAL,
		from_host TEXT NOT NULL,
		exec_host TEXT,
		submit_time TEXT NOT NULL,
		start_time TEXT,
		finish_time TEXT,
		update_time TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_user ON job (user)`,
	`CREATE INDEX IF NOT EXISTS job_startendtime ON job (start_time, finish_time)`,
	`CREATE INDEX IF NOT EXISTS job_updatetime ON job (update_time)`,
	`CREATE TABLE IF NOT EXISTS incomplete (
		id TEXT NOT NULL PRIMARY KEY,
		scheduler TEXT NOT NULL,
		jobid INTEGER NOT NULL,
		jobindex INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		user TEXT NOT NULL,
		queue TEXT NOT NULL,
		slots INTEGER NOT NULL,
		cpu_efficiency REAL,
		cpu_time REAL,
		mem_lim INTEGER,
		mem_max INTEGER,
		mem_efficiency REAL,
		from_host TEXT NOT NULL,
		exec_host TEXT,
		submit_time TEXT NOT NULL,
		start_time TEXT,
		finish_time TEXT,
		update_time TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user (
		login TEXT NOT NULL PRIMARY KEY,
		unix_group TEXT NOT NULL,
		unix_groups TEXT NOT NULL
	)`,
}

type sqliteJobStore struct {
	d *sql.DB
}

func openSqliteJobStore(filename string) (*sqliteJobStore, error) {
	d, err := openSqlite(filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range sqliteJobSchema {
		if _, err := d.Exec(stmt); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: %s: %v", errs.StoreAccessErr, filename, err)
		}
	}
	return &sqliteJobStore{d}, nil
}

func (s *sqliteJobStore) Close() error {
	return s.d.Close()
}

const jobColumns = `id, scheduler, jobid, jobindex, name, status, user, queue, slots,
	cpu_efficiency, cpu_time, mem_lim, mem_max, mem_efficiency, from_host, exec_host,
	submit_time, start_time, finish_time, update_time`

func jobArgs(j *JobRecord) []any {
	acc := j.Accession
	if acc == "" {
		acc = j.ComputeAccession()
	}
	return []any{
		acc, j.Scheduler, j.ID, j.Index, j.Name, j.Status, j.User, j.Queue, j.Slots,
		j.CpuEfficiency, j.CpuTime, j.MemLimMB, j.MemMaxMB, j.MemEfficiency,
		j.FromHost, j.ExecHost,
		j.SubmitTime.UTC().Format(TimeLayout), nullTime(j.StartTime), nullTime(j.FinishTime),
		j.UpdateTime.UTC().Format(TimeLayout),
	}
}

func scanJob(rows *sql.Rows) (*JobRecord, error) {
	var j JobRecord
	var execHost sql.NullString
	var cpuEff, cpuTime, memEff sql.NullFloat64
	var memLim, memMax sql.NullInt64
	var submit string
	var start, finish sql.NullString
	var update string
	err := rows.Scan(
		&j.Accession, &j.Scheduler, &j.ID, &j.Index, &j.Name, &j.Status, &j.User,
		&j.Queue, &j.Slots, &cpuEff, &cpuTime, &memLim, &memMax, &memEff,
		&j.FromHost, &execHost, &submit, &start, &finish, &update,
	)
	if err != nil {
		return nil, err
	}
	j.CpuEfficiency = cpuEff.Float64
	j.CpuTime = cpuTime.Float64
	j.MemLimMB = memLim.Int64
	j.MemMaxMB = memMax.Int64
	j.MemEfficiency = memEff.Float64
	j.ExecHost = execHost.String
	if j.SubmitTime, err = time.ParseInLocation(TimeLayout, submit, time.UTC); err != nil {
		return nil, err
	}
	if j.StartTime, err = parseNullTime(start); err != nil {
		return nil, err
	}
	if j.FinishTime, err = parseNullTime(finish); err != nil {
		return nil, err
	}
	if j.UpdateTime, err = time.ParseInLocation(TimeLayout, update, time.UTC); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqliteJobStore) UpdateJobs(jobs []*JobRecord) error {
	return s.insertJobs("INSERT OR REPLACE INTO job VALUES "+jobPlaceholders, jobs, false)
}

func (s *sqliteJobStore) ReplaceIncomplete(jobs []*JobRecord) error {
	return s.insertJobs("INSERT INTO incomplete VALUES "+jobPlaceholders, jobs, true)
}

const jobPlaceholders = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

func (s *sqliteJobStore) insertJobs(stmt string, jobs []*JobRecord, clearIncomplete bool) error {
	tx, err := s.d.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer tx.Rollback()
	if clearIncomplete {
		if _, err := tx.Exec("DELETE FROM incomplete"); err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	prepared, err := tx.Prepare(stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer prepared.Close()
	for _, j := range jobs {
		if _, err := prepared.Exec(jobArgs(j)...); err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

func (s *sqliteJobStore) FindJobs(from, to time.Time, user string) ([]*JobRecord, error) {
	fromS := from.UTC().Format(TimeLayout)
	toS := to.UTC().Format(TimeLayout)

	jobQuery := `SELECT ` + jobColumns + ` FROM job
		WHERE start_time IS NOT NULL
		  AND ((start_time >= ? AND start_time < ?)
		    OR (finish_time >= ? AND finish_time < ?)
		    OR (start_time < ? AND finish_time >= ?))`
	jobParams := []any{fromS, toS, fromS, toS, fromS, toS}

	incQuery := `SELECT ` + jobColumns + ` FROM incomplete
		WHERE start_time IS NOT NULL AND start_time < ?`
	incParams := []any{toS}

	if user != "" {
		jobQuery += " AND user = ?"
		jobParams = append(jobParams, user)
		incQuery += " AND user = ?"
		incParams = append(incParams, user)
	}

	var all []*JobRecord
	for _, q := range []struct {
		query  string
		params []any
	}{{jobQuery, jobParams}, {incQuery, incParams}} {
		rows, err := s.d.Query(q.query, q.params...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
			}
			all = append(all, j)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		rows.Close()
	}
	return all, nil
}

func (s *sqliteJobStore) LatestUpdate() (time.Time, error) {
	var latest sql.NullString
	err := s.d.QueryRow("SELECT MAX(update_time) FROM job").Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return parseNullTime(latest)
}

func (s *sqliteJobStore) UnixUsers() (map[string]*UnixUser, error) {
	rows, err := s.d.Query("SELECT login, unix_group, unix_groups FROM user")
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

func (s *sqliteJobStore) UpdateUnixUsers(users []*UnixUser) error {
	tx, err := s.d.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer tx.Rollback()
	for _, u := range users {
		_, err := tx.Exec("INSERT OR REPLACE INTO user VALUES (?, ?, ?)",
			u.Login, u.Group, u.Groups)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}
