// Package migrate implements the one-shot legacy-token migration (C11): it
// walks every room, rewrites any token still in the pre-contents shape
// into the current shape, and commits the result through the same
// lock/commit write path the game state hub uses, never a raw overwrite.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/board"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/store"
)

// RawStore is the subset of store.Store the migrator needs, plus the raw
// read only the Redis backend can serve. A fresh in-memory store never
// holds legacy data, so only *store.RedisStore is expected to satisfy
// this in production use.
type RawStore interface {
	store.Store
	ReadRaw(ctx context.Context, roomID string) ([]byte, error)
}

// legacyColor is the legacy token's color_rgb shape, {red, green, blue}:
// the same fields board.RGB encodes to.
type legacyColor struct {
	Red   uint8 `json:"red"`
	Green uint8 `json:"green"`
	Blue  uint8 `json:"blue"`
}

// legacyToken is a bare token object with no entity wrapper and no
// contents field: {id, type, icon_id, start/end_*, color_rgb?}.
type legacyToken struct {
	ID       string          `json:"id"`
	Type     board.TokenKind `json:"type"`
	IconID   string          `json:"icon_id"`
	StartX   int             `json:"start_x"`
	StartY   int             `json:"start_y"`
	StartZ   int             `json:"start_z"`
	EndX     int             `json:"end_x"`
	EndY     int             `json:"end_y"`
	EndZ     int             `json:"end_z"`
	ColorRGB *legacyColor    `json:"color_rgb,omitempty"`
}

// isLegacyShape reports whether a raw entity element is a bare legacy
// token rather than the current {token:...}/{ping:...} wrapper.
func isLegacyShape(raw json.RawMessage) bool {
	var probe struct {
		Token   json.RawMessage `json:"token"`
		Ping    json.RawMessage `json:"ping"`
		IconID  *string         `json:"icon_id"`
		Type    *string         `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Token == nil && probe.Ping == nil && probe.IconID != nil && probe.Type != nil
}

func convertLegacy(lt legacyToken) board.Entity {
	tok := board.Token{
		ID:   lt.ID,
		Kind: lt.Type,
		Contents: board.Contents{
			Type:   board.ContentKindIcon,
			IconID: lt.IconID,
		},
		StartX: lt.StartX,
		StartY: lt.StartY,
		StartZ: lt.StartZ,
		EndX:   lt.EndX,
		EndY:   lt.EndY,
		EndZ:   lt.EndZ,
	}
	if lt.ColorRGB != nil {
		tok.Color = &board.RGB{R: lt.ColorRGB.Red, G: lt.ColorRGB.Green, B: lt.ColorRGB.Blue}
	}
	return board.Entity{Token: &tok}
}

// Report summarizes one room's migration pass.
type Report struct {
	RoomID   string
	Migrated int
	Errors   int
}

// Migrator runs the legacy-token sweep against a Redis-backed store.
type Migrator struct {
	store RawStore
}

// NewMigrator constructs a Migrator over st, typically a *store.RedisStore.
func NewMigrator(st RawStore) *Migrator {
	return &Migrator{store: st}
}

// Run walks every known room, migrating legacy-shaped tokens and
// committing the result through ApplyMutation. It logs one structured
// line per room and returns the per-room reports plus the first fatal
// error encountered (a room-scoped error does not abort the sweep: the
// room's error count is incremented and the walk continues).
func (m *Migrator) Run(ctx context.Context) ([]Report, error) {
	var reports []Report

	cursor := ""
	for {
		ids, next, err := m.store.ListRoomIDs(ctx, cursor)
		if err != nil {
			return reports, fmt.Errorf("migrate: listing room ids: %w", err)
		}

		for _, roomID := range ids {
			reports = append(reports, m.migrateRoom(ctx, roomID))
		}

		if next == "" {
			break
		}
		cursor = next
	}

	return reports, nil
}

func (m *Migrator) migrateRoom(ctx context.Context, roomID string) Report {
	report := Report{RoomID: roomID}

	raw, err := m.store.ReadRaw(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "migrate: failed to read room", zap.String("room_id", roomID), zap.Error(err))
		report.Errors++
		return report
	}
	if raw == nil {
		return report
	}

	var rawEntities []json.RawMessage
	if err := json.Unmarshal(raw, &rawEntities); err != nil {
		logging.Error(ctx, "migrate: room value is not a JSON array", zap.String("room_id", roomID), zap.Error(err))
		report.Errors++
		return report
	}

	entities := make([]board.Entity, 0, len(rawEntities))
	migrated := 0
	errs := 0

	for _, raw := range rawEntities {
		if isLegacyShape(raw) {
			var lt legacyToken
			if err := json.Unmarshal(raw, &lt); err != nil {
				logging.Error(ctx, "migrate: failed to decode legacy token", zap.String("room_id", roomID), zap.Error(err))
				errs++
				continue
			}
			entities = append(entities, convertLegacy(lt))
			migrated++
			continue
		}

		var e board.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			logging.Error(ctx, "migrate: failed to decode entity", zap.String("room_id", roomID), zap.Error(err))
			errs++
			continue
		}
		entities = append(entities, e)
	}

	report.Migrated = migrated
	report.Errors = errs

	if migrated == 0 {
		logging.Info(ctx, "migrate: room has no legacy tokens", zap.String("room_id", roomID))
		return report
	}

	converted := entities
	_, err = m.store.ApplyMutation(ctx, roomID, func(current []board.Entity) (store.MutationResult, error) {
		return store.MutationResult{Entities: converted}, nil
	})
	if err != nil {
		logging.Error(ctx, "migrate: failed to commit migrated room", zap.String("room_id", roomID), zap.Error(err))
		report.Errors++
		return report
	}

	logging.Info(ctx, "migrate: room migrated",
		zap.String("room_id", roomID),
		zap.Int("tokens_migrated", migrated),
		zap.Int("errors", errs),
	)
	return report
}
