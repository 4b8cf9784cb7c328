package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RawPacket is one decoded decoder line.
type RawPacket struct {
	ID            int64      `db:"id"`
	EventTime     time.Time  `db:"event_time"`
	Type          PacketType `db:"type"`
	Callsign      *string    `db:"callsign"`
	HeightM       *int       `db:"height_m"`
	FuelPct       *int       `db:"fuel_pct"`
	Alarm         int        `db:"alarm"`
	Faithfulness  int        `db:"faithfulness"`
	Sent          SentState  `db:"sent"`
	BoundToTrack  *int64     `db:"bound_to_track"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// NewK1Packet builds a K1 RawPacket from its decoded fields, applying the
// K1 defaults (alarm=0, faithfulness=50).
func NewK1Packet(eventTime time.Time, callsign string, alarm *int) RawPacket {
	p := RawPacket{
		EventTime:    eventTime,
		Type:         TypeK1,
		Callsign:     &callsign,
		Alarm:        0,
		Faithfulness: 50,
		Sent:         SentPending,
	}
	if alarm != nil {
		p.Alarm = *alarm
	}
	return p
}

// NewK2Packet builds a K2 RawPacket from its decoded fields, applying the
// K2 defaults (alarm=0, faithfulness=0).
func NewK2Packet(eventTime time.Time, heightM, fuelPct int) RawPacket {
	h, f := heightM, fuelPct
	return RawPacket{
		EventTime:    eventTime,
		Type:         TypeK2,
		HeightM:      &h,
		FuelPct:      &f,
		Alarm:        0,
		Faithfulness: 0,
		Sent:         SentPending,
	}
}

// InsertPacket assigns an id and created_at/updated_at, enforcing the
// K1/K2 field invariant before writing.
func (s *Store) InsertPacket(ctx context.Context, p RawPacket) (int64, error) {
	if err := validatePacketInvariant(p); err != nil {
		return 0, err
	}
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts
	if p.Sent == "" {
		p.Sent = SentPending
	}

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO raw_packets
			(event_time, type, callsign, height_m, fuel_pct, alarm, faithfulness, sent, bound_to_track, created_at, updated_at)
		VALUES
			(:event_time, :type, :callsign, :height_m, :fuel_pct, :alarm, :faithfulness, :sent, :bound_to_track, :created_at, :updated_at)
	`, p)
	if err != nil {
		return 0, fmt.Errorf("insert packet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert packet: last insert id: %w", err)
	}
	return id, nil
}

func validatePacketInvariant(p RawPacket) error {
	switch p.Type {
	case TypeK1:
		if p.Callsign == nil || *p.Callsign == "" {
			return fmt.Errorf("K1 packet requires callsign")
		}
		if p.HeightM != nil || p.FuelPct != nil {
			return fmt.Errorf("K1 packet must not set height_m/fuel_pct")
		}
	case TypeK2:
		if p.HeightM == nil || p.FuelPct == nil {
			return fmt.Errorf("K2 packet requires height_m and fuel_pct")
		}
		if p.Callsign != nil {
			return fmt.Errorf("K2 packet must not set callsign")
		}
	default:
		return fmt.Errorf("unknown packet type %q", p.Type)
	}
	return nil
}

// SelectUnboundPackets returns up to limit packets of the given type where
// bound_to_track is null and sent=pending, ordered by event_time ascending.
func (s *Store) SelectUnboundPackets(ctx context.Context, packetType PacketType, limit int) ([]RawPacket, error) {
	var packets []RawPacket
	err := s.db.SelectContext(ctx, &packets, `
		SELECT * FROM raw_packets
		WHERE type = ? AND bound_to_track IS NULL AND sent = 'pending'
		ORDER BY event_time ASC
		LIMIT ?
	`, packetType, limit)
	if err != nil {
		return nil, fmt.Errorf("select unbound packets: %w", err)
	}
	return packets, nil
}

// MarkPacketsFailed transitions packets (by id) straight to sent=failed,
// used by the Correlator to age out unmatched K1/K2 packets past the stale
// threshold. bound_to_track is left null since these packets were never
// bound to a track.
func (s *Store) MarkPacketsFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE raw_packets SET sent = 'failed', updated_at = ? WHERE id IN (?)
	`, now(), ids)
	if err != nil {
		return fmt.Errorf("mark packets failed: %w", err)
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark packets failed: %w", err)
	}
	return nil
}
