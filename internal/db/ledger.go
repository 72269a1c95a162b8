package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/events"
)

// Room ledger states.
const (
	StateProvisioned = "provisioned"
	StateFilled      = "filled"
	StateEnded       = "ended"
)

// Ledger records the lifecycle of every room the server hosted, plus the
// alerts raised for operators.
type Ledger struct {
	db *store
}

// RoomRecord is one room lifetime. A room id that is provisioned again after
// ending gets a new record.
type RoomRecord struct {
	Seq          int64                `json:"seq"`
	RoomID       int64                `json:"room_id"`
	State        string               `json:"state"`
	Capacity     int                  `json:"capacity"`
	BotCount     int                  `json:"bot_count"`
	BotWins      bool                 `json:"bot_wins"`
	Provisioned  bool                 `json:"provisioned"`
	Permanent    bool                 `json:"permanent"`
	Seats        []int64              `json:"seats,omitempty"`
	Participants []events.Participant `json:"participants,omitempty"`
	Extras       map[string]string    `json:"extras,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	FilledAt     *time.Time           `json:"filled_at,omitempty"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
}

// Alert is an operator-facing alert record.
type Alert struct {
	ID        int       `json:"id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewLedger opens the ledger at dbPath and migrates its schema.
func NewLedger(dbPath string) (*Ledger, error) {
	database, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}

	l := &Ledger{db: database}
	if err := l.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate room ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rooms (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			capacity INTEGER NOT NULL DEFAULT 0,
			bot_count INTEGER NOT NULL DEFAULT 0,
			bot_wins INTEGER NOT NULL DEFAULT 0,
			provisioned INTEGER NOT NULL DEFAULT 0,
			permanent INTEGER NOT NULL DEFAULT 0,
			seats TEXT NOT NULL DEFAULT '[]',
			extras TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			filled_at INTEGER,
			ended_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS room_participants (
			room_seq INTEGER NOT NULL,
			player_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			actual_id TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (room_seq) REFERENCES rooms(seq) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			acknowledged INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rooms_room_id ON rooms(room_id);
		CREATE INDEX IF NOT EXISTS idx_rooms_ended_at ON rooms(ended_at);
		CREATE INDEX IF NOT EXISTS idx_participants_room ON room_participants(room_seq);
		CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	log.Debug().Msg("room ledger schema migrated")
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func insertRoom(tx *sql.Tx, p events.RoomPayload, state string, provisioned bool, at time.Time) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO rooms (room_id, state, capacity, bot_count, bot_wins, provisioned, permanent, seats, extras, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RoomID, state, p.Capacity, p.BotCount, p.BotWins, provisioned, p.Permanent,
		encodeJSON(nonNilSeats(p.Seats)), encodeJSON(nonNilExtras(p.Extras)), millis(at))
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, part := range p.Participants {
		if _, err := tx.Exec(
			"INSERT INTO room_participants (room_seq, player_id, name, actual_id, avatar) VALUES (?, ?, ?, ?, ?)",
			seq, part.ID, part.Name, part.ActualID, part.Avatar); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

func nonNilSeats(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}

func nonNilExtras(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// openSeq returns the record of roomID that has not ended yet.
func openSeq(tx *sql.Tx, roomID int64) (int64, bool, error) {
	var seq int64
	err := tx.QueryRow(
		"SELECT seq FROM rooms WHERE room_id = ? AND ended_at IS NULL ORDER BY seq DESC LIMIT 1",
		roomID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// endedAfter returns the latest record of roomID that ended at or after at.
func endedAfter(tx *sql.Tx, roomID int64, at time.Time) (int64, bool, error) {
	var seq int64
	err := tx.QueryRow(
		"SELECT seq FROM rooms WHERE room_id = ? AND ended_at >= ? AND filled_at IS NULL ORDER BY seq DESC LIMIT 1",
		roomID, millis(at)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// RecordProvisioned opens a record for a room created by provisioning.
func (l *Ledger) RecordProvisioned(p events.RoomPayload, at time.Time) error {
	return l.db.Transaction(func(tx *sql.Tx) error {
		_, err := insertRoom(tx, p, StateProvisioned, true, at)
		return err
	})
}

// RecordFilled marks the open record of the room filled, opening one first
// for auto-fill rooms that were never provisioned.
func (l *Ledger) RecordFilled(p events.RoomPayload, at time.Time) error {
	return l.db.Transaction(func(tx *sql.Tx) error {
		seq, ok, err := openSeq(tx, p.RoomID)
		if err != nil {
			return err
		}
		if !ok {
			// The end of this lifetime may have been recorded first.
			if seq, ok, err = endedAfter(tx, p.RoomID, at); err != nil {
				return err
			}
			if ok {
				_, err = tx.Exec("UPDATE rooms SET seats = ?, filled_at = ? WHERE seq = ?",
					encodeJSON(nonNilSeats(p.Seats)), millis(at), seq)
				return err
			}
			if seq, err = insertRoom(tx, p, StateFilled, false, at); err != nil {
				return err
			}
		}
		_, err = tx.Exec("UPDATE rooms SET state = ?, seats = ?, filled_at = ? WHERE seq = ?",
			StateFilled, encodeJSON(nonNilSeats(p.Seats)), millis(at), seq)
		return err
	})
}

// RecordEnded closes the open record of the room.
func (l *Ledger) RecordEnded(p events.RoomPayload, at time.Time) error {
	return l.db.Transaction(func(tx *sql.Tx) error {
		seq, ok, err := openSeq(tx, p.RoomID)
		if err != nil {
			return err
		}
		if !ok {
			if seq, err = insertRoom(tx, p, StateEnded, false, at); err != nil {
				return err
			}
		}
		_, err = tx.Exec("UPDATE rooms SET state = ?, ended_at = ? WHERE seq = ?", StateEnded, millis(at), seq)
		return err
	})
}

// RecentRooms returns up to limit records, newest first.
func (l *Ledger) RecentRooms(limit int) ([]RoomRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT seq, room_id, state, capacity, bot_count, bot_wins, provisioned, permanent,
		       seats, extras, created_at, filled_at, ended_at
		FROM rooms ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomRecord
	for rows.Next() {
		var (
			r             RoomRecord
			seats, extras string
			created       int64
			filled, ended sql.NullInt64
		)
		if err := rows.Scan(&r.Seq, &r.RoomID, &r.State, &r.Capacity, &r.BotCount, &r.BotWins,
			&r.Provisioned, &r.Permanent, &seats, &extras, &created, &filled, &ended); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(seats), &r.Seats)
		json.Unmarshal([]byte(extras), &r.Extras)
		r.CreatedAt = time.UnixMilli(created)
		r.FilledAt = fromMillis(filled)
		r.EndedAt = fromMillis(ended)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		parts, err := l.participants(out[i].Seq)
		if err != nil {
			return nil, err
		}
		out[i].Participants = parts
	}
	return out, nil
}

func (l *Ledger) participants(seq int64) ([]events.Participant, error) {
	rows, err := l.db.Query(
		"SELECT player_id, name, actual_id, avatar FROM room_participants WHERE room_seq = ? ORDER BY rowid", seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Participant
	for rows.Next() {
		var p events.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.ActualID, &p.Avatar); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountByState returns the number of records per state.
func (l *Ledger) CountByState() (map[string]int, error) {
	rows, err := l.db.Query("SELECT state, COUNT(*) FROM rooms GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// PruneEnded deletes ended rooms older than days and returns how many.
func (l *Ledger) PruneEnded(days int) (int64, error) {
	cutoff := millis(time.Now().AddDate(0, 0, -days))
	var n int64
	err := l.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM room_participants WHERE room_seq IN (SELECT seq FROM rooms WHERE ended_at IS NOT NULL AND ended_at < ?)",
			cutoff); err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM rooms WHERE ended_at IS NOT NULL AND ended_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CreateAlert creates a new alert record.
func (l *Ledger) CreateAlert(alertType, level, message string) error {
	_, err := l.db.Exec(
		"INSERT INTO alerts (type, level, message, created_at) VALUES (?, ?, ?, ?)",
		alertType, level, message, millis(time.Now()))
	return err
}

// GetUnacknowledgedAlerts returns all unacknowledged alerts, newest first.
func (l *Ledger) GetUnacknowledgedAlerts() ([]Alert, error) {
	rows, err := l.db.Query(
		"SELECT id, type, level, message, created_at FROM alerts WHERE acknowledged = 0 ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var created int64
		if err := rows.Scan(&a.ID, &a.Type, &a.Level, &a.Message, &created); err != nil {
			continue
		}
		a.CreatedAt = time.UnixMilli(created)
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert as acknowledged.
func (l *Ledger) AcknowledgeAlert(alertID int) error {
	_, err := l.db.Exec("UPDATE alerts SET acknowledged = 1 WHERE id = ?", alertID)
	return err
}

// CleanOldAlerts removes acknowledged alerts older than days.
func (l *Ledger) CleanOldAlerts(days int) error {
	_, err := l.db.Exec(
		"DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?",
		millis(time.Now().AddDate(0, 0, -days)))
	return err
}

func eventTime(e events.Event) time.Time {
	if e.Time.IsZero() {
		return time.Now()
	}
	return e.Time
}

// Attach subscribes the ledger to room lifecycle and lag events.
func (l *Ledger) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventRoomProvisioned, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RoomPayload)
		if !ok {
			return nil
		}
		return l.RecordProvisioned(p, eventTime(e))
	})
	bus.Subscribe(events.EventRoomFilled, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RoomPayload)
		if !ok {
			return nil
		}
		return l.RecordFilled(p, eventTime(e))
	})
	bus.Subscribe(events.EventRoomRemoved, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RoomPayload)
		if !ok {
			return nil
		}
		return l.RecordEnded(p, eventTime(e))
	})
	bus.Subscribe(events.EventTickLag, "ledger", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.TickLagPayload)
		if !ok {
			return nil
		}
		return l.CreateAlert("tick_lag", p.Level, fmt.Sprintf(
			"%d ticks over the %.0fms budget in %d minutes (max %.1fms)",
			p.SlowTicks, p.BudgetMs, p.WindowMins, p.MaxMs))
	})
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
