package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// FlightTrack is one correlated K1/K2 pair.
type FlightTrack struct {
	ID         int64      `db:"id"`
	K1PacketID int64      `db:"k1_packet_id"`
	K2PacketID int64      `db:"k2_packet_id"`
	Callsign   string     `db:"callsign"`
	HeightM    int        `db:"height_m"`
	FuelPct    int        `db:"fuel_pct"`
	Timestamp  time.Time  `db:"timestamp"`
	Sent       SentState  `db:"sent"`
	SentAt     *time.Time `db:"sent_at"`
	Error      *string    `db:"error"`
	CreatedAt  time.Time  `db:"created_at"`
}

// TrackFields is the correlated-pair payload the Correlator derives and
// hands to CreateTrackAndBind.
type TrackFields struct {
	Callsign  string
	HeightM   int
	FuelPct   int
	Timestamp time.Time
}

// ErrAlreadyBound is returned by CreateTrackAndBind when either packet was
// bound to a track by a concurrent writer between the Correlator's read
// and its bind attempt. This is rare — only possible with another instance
// writing to the same database — but must be handled without crashing.
var ErrAlreadyBound = fmt.Errorf("packet already bound to a track")

// CreateTrackAndBind inserts the track and updates both packets'
// bound_to_track in one transaction, failing with ErrAlreadyBound if
// either packet is already bound.
func (s *Store) CreateTrackAndBind(ctx context.Context, k1ID, k2ID int64, fields TrackFields) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create track: begin tx: %w", err)
	}
	defer tx.Rollback()

	var k1Bound, k2Bound *int64
	if err := tx.GetContext(ctx, &k1Bound, `SELECT bound_to_track FROM raw_packets WHERE id = ?`, k1ID); err != nil {
		return 0, fmt.Errorf("create track: read k1: %w", err)
	}
	if err := tx.GetContext(ctx, &k2Bound, `SELECT bound_to_track FROM raw_packets WHERE id = ?`, k2ID); err != nil {
		return 0, fmt.Errorf("create track: read k2: %w", err)
	}
	if k1Bound != nil || k2Bound != nil {
		return 0, ErrAlreadyBound
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO flight_tracks (k1_packet_id, k2_packet_id, callsign, height_m, fuel_pct, timestamp, sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
	`, k1ID, k2ID, fields.Callsign, fields.HeightM, fields.FuelPct, fields.Timestamp, now())
	if err != nil {
		return 0, fmt.Errorf("create track: insert: %w", err)
	}
	trackID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create track: last insert id: %w", err)
	}

	ts := now()
	if _, err := tx.ExecContext(ctx, `UPDATE raw_packets SET bound_to_track = ?, updated_at = ? WHERE id IN (?, ?)`,
		trackID, ts, k1ID, k2ID); err != nil {
		return 0, fmt.Errorf("create track: bind packets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create track: commit: %w", err)
	}
	return trackID, nil
}

// SelectPendingTracks returns up to limit pending tracks ordered by id.
func (s *Store) SelectPendingTracks(ctx context.Context, limit int) ([]FlightTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	var tracks []FlightTrack
	err := s.db.SelectContext(ctx, &tracks, `
		SELECT * FROM flight_tracks WHERE sent = 'pending' ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending tracks: %w", err)
	}
	return tracks, nil
}

// MarkTracks performs the batched sent-state transition for tracks. outcome
// is "done" or "failed". sent_at and error are always overwritten: with
// sentAt and errMsg when given, with NULL when sentAt is nil or errMsg is "".
func (s *Store) MarkTracks(ctx context.Context, ids []int64, outcome SentState, errMsg string, sentAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	var sentAtVal any
	if sentAt != nil {
		sentAtVal = *sentAt
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	query, args, err := sqlx.In(`
		UPDATE flight_tracks SET sent = ?, sent_at = ?, error = ? WHERE id IN (?)
	`, outcome, sentAtVal, errVal, ids)
	if err != nil {
		return fmt.Errorf("mark tracks: %w", err)
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark tracks: %w", err)
	}
	return nil
}
