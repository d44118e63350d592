// Package ridelog keeps a sqlite record of ride sessions: when each activity
// started and ended, every navigation state change, and the notifications
// shown to the rider.
package ridelog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/routelock/internal/httputil"
)

// DB is a ride log backed by a single sqlite connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the ride log at path and brings its schema
// up to date.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single long-lived connection keeps the per-connection pragmas below
	// in force and serialises writers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Session is one recorded activity.
type Session struct {
	ID           string     `json:"id"`
	RiderID      uint64     `json:"rider_id"`
	ActivityID   uint64     `json:"activity_id"`
	ActivityName string     `json:"activity_name,omitempty"`
	Route        string     `json:"route,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	FinalState   string     `json:"final_state,omitempty"`
}

// Transition is one recorded change of navigation state.
type Transition struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// StartSession records a new session and returns its id.
func (db *DB) StartSession(riderID, activityID uint64, activityName, route string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, rider_id, activity_id, activity_name, route, started_unix_nano)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, int64(riderID), int64(activityID), activityName, route, at.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession closes a session. Ending an unknown or already ended session
// is an error.
func (db *DB) EndSession(id, finalState string, at time.Time) error {
	res, err := db.Exec(
		`UPDATE sessions SET ended_unix_nano = ?, final_state = ?
		 WHERE session_id = ? AND ended_unix_nano IS NULL`,
		at.UnixNano(), finalState, id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no open session %q", id)
	}
	return nil
}

// RecordTransition stores a state change. sessionID may be empty.
func (db *DB) RecordTransition(sessionID, from, to, errText string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO transitions (session_id, from_state, to_state, error, at_unix_nano)
		 VALUES (?, ?, ?, ?, ?)`,
		nullString(sessionID), from, to, nullString(errText), at.UnixNano(),
	)
	return err
}

// RecordNotification stores a notification with a JSON payload.
func (db *DB) RecordNotification(sessionID, kind string, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	_, err = db.Exec(
		`INSERT INTO notifications (session_id, kind, payload, at_unix_nano) VALUES (?, ?, ?, ?)`,
		nullString(sessionID), kind, string(body), at.UnixNano(),
	)
	return err
}

// Sessions returns the most recent sessions first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT session_id, rider_id, activity_id, activity_name, route, started_unix_nano, ended_unix_nano, final_state
		 FROM sessions ORDER BY started_unix_nano DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var riderID, activityID, started int64
		var name, route, final sql.NullString
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &riderID, &activityID, &name, &route, &started, &ended, &final); err != nil {
			return nil, err
		}
		s.RiderID, s.ActivityID = uint64(riderID), uint64(activityID)
		s.ActivityName, s.Route, s.FinalState = name.String, route.String, final.String
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Transitions returns the transitions of a session in the order recorded.
func (db *DB) Transitions(sessionID string) ([]Transition, error) {
	rows, err := db.Query(
		`SELECT transition_id, session_id, from_state, to_state, error, at_unix_nano
		 FROM transitions WHERE session_id = ? ORDER BY transition_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var sid, errText sql.NullString
		var at int64
		if err := rows.Scan(&t.ID, &sid, &t.From, &t.To, &errText, &at); err != nil {
			return nil, err
		}
		t.SessionID, t.Error = sid.String, errText.String
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// NotificationCounts returns how many notifications of each kind a session
// produced.
func (db *DB) NotificationCounts(sessionID string) (map[string]int, error) {
	rows, err := db.Query(
		`SELECT kind, COUNT(*) FROM notifications WHERE session_id = ? GROUP BY kind`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AttachAdminRoutes mounts live SQL inspection and a session listing on the
// tsweb debug surface.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Ride log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("sessions", "Recent ride sessions (JSON, ?limit=N)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				httputil.BadRequest(w, r, "invalid limit")
				return
			}
			limit = n
		}
		sessions, err := db.Sessions(limit)
		if err != nil {
			httputil.InternalServerError(w, r, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		httputil.OK(w, r, sessions)
	}))
}
