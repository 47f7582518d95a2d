package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

// metadata keys
const (
	metaCheckpoint  = "checkpoint"
	metaJobsUpdate  = "jobs"
	metaUsageUpdate = "usage"
)

var sqliteUsageSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage (
		date TEXT NOT NULL,
		login TEXT NOT NULL,
		jobs INTEGER NOT NULL,
		cpu_time REAL NOT NULL,
		mem_time REAL NOT NULL,
		energy REAL NOT NULL,
		co2e REAL NOT NULL,
		cost REAL NOT NULL,
		CONSTRAINT pk_usage PRIMARY KEY (date, login)
	)`,
	`CREATE TABLE IF NOT EXISTS user (
		login TEXT NOT NULL PRIMARY KEY,
		name TEXT,
		uuid TEXT NOT NULL,
		teams TEXT NOT NULL,
		position TEXT,
		sponsor TEXT,
		unix_group TEXT,
		unix_groups TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_uuid ON user (uuid)`,
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

type sqliteUsageStore struct {
	d *sql.DB
}

func openSqliteUsageStore(filename string) (*sqliteUsageStore, error) {
	d, err := openSqlite(filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range sqliteUsageSchema {
		if _, err := d.Exec(stmt); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: %s: %v", errs.StoreAccessErr, filename, err)
		}
	}
	return &sqliteUsageStore{d}, nil
}

func (s *sqliteUsageStore) Close() error {
	return s.d.Close()
}

func (s *sqliteUsageStore) Checkpoint() (time.Time, bool, error) {
	var value string
	err := s.d.QueryRow("SELECT value FROM metadata WHERE key = ?", metaCheckpoint).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	t, err := common.ParseDate(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: bad checkpoint %q", errs.StoreAccessErr, value)
	}
	return t, true, nil
}

func (s *sqliteUsageStore) CommitDay(date time.Time, rows []*UsageRecord) error {
	day := common.FormatDate(date)
	tx, err := s.d.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM usage WHERE date = ?", day); err != nil {
		return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
	}
	prepared, err := tx.Prepare("INSERT INTO usage VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
	}
	defer prepared.Close()
	for _, r := range rows {
		_, err := prepared.Exec(day, r.User, r.Jobs, r.CpuTime, r.MemTime,
			r.EnergyKWh, r.CO2eKg, r.Cost)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
		}
	}

	// The checkpoint never regresses: a forced re-run of an old date rewrites
	// that date's rows but leaves the high-water mark alone.
	checkpoint, ok, err := s.checkpointTx(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
	}
	if !ok || date.After(checkpoint) {
		_, err = tx.Exec("INSERT OR REPLACE INTO metadata VALUES (?, ?)", metaCheckpoint, day)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errs.CommitFailedErr, err)
	}
	return nil
}

func (s *sqliteUsageStore) checkpointTx(tx *sql.Tx) (time.Time, bool, error) {
	var value string
	err := tx.QueryRow("SELECT value FROM metadata WHERE key = ?", metaCheckpoint).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := common.ParseDate(value)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *sqliteUsageStore) Usage(from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.d.Query(
		`SELECT date, login, jobs, cpu_time, mem_time, energy, co2e, cost
		 FROM usage WHERE date >= ? AND date <= ? ORDER BY date, login`,
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

func (s *sqliteUsageStore) Users() ([]*UserRecord, error) {
	rows, err := s.d.Query(
		`SELECT login, name, uuid, teams, position, sponsor, unix_group, unix_groups FROM user`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer rows.Close()
	var users []*UserRecord
	for rows.Next() {
		var u UserRecord
		var name, teams, position, sponsor, group, groups sql.NullString
		err := rows.Scan(&u.Login, &name, &u.UUID, &teams, &position, &sponsor, &group, &groups)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		u.Name = name.String
		u.Position = position.String
		u.Sponsor = sponsor.String
		u.Group = group.String
		u.Groups = groups.String
		if teams.String != "" {
			if err := json.Unmarshal([]byte(teams.String), &u.Teams); err != nil {
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

func (s *sqliteUsageStore) UpdateUsers(users []*UserRecord) error {
	tx, err := s.d.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer tx.Rollback()
	for _, u := range users {
		teams, err := json.Marshal(u.Teams)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
		_, err = tx.Exec("INSERT OR REPLACE INTO user VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			u.Login, u.Name, u.UUID, string(teams), u.Position, u.Sponsor, u.Group, u.Groups)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

func (s *sqliteUsageStore) UpdateReport(month string, payloads map[string]string) error {
	tx, err := s.d.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer tx.Rollback()
	for login, data := range payloads {
		_, err := tx.Exec("INSERT OR REPLACE INTO report VALUES (?, ?, ?)", login, month, data)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}

func (s *sqliteUsageStore) Reports(month string) (map[string]string, error) {
	rows, err := s.d.Query("SELECT login, data FROM report WHERE month = ?", month)
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

func (s *sqliteUsageStore) BumpUpdateTimes(jobsUpdate time.Time) error {
	tx, err := s.d.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	defer tx.Rollback()
	stamps := [][2]string{
		{metaJobsUpdate, jobsUpdate.UTC().Format(TimeLayout)},
		{metaUsageUpdate, time.Now().UTC().Format(TimeLayout)},
	}
	for _, kv := range stamps {
		_, err := tx.Exec("INSERT OR REPLACE INTO metadata VALUES (?, ?)", kv[0], kv[1])
		if err != nil {
			return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errs.StoreAccessErr, err)
	}
	return nil
}
