package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tokenboard/server/internal/v1/redisx"
	"github.com/tokenboard/server/internal/v1/store"
)

func newTestStore(t *testing.T) (*store.RedisStore, *redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisx.NewClientFromExisting(rdb)

	return store.NewRedisStore(client, time.Second), rdb, mr
}

func TestMigrateRewritesLegacyToken(t *testing.T) {
	s, rdb, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	legacyJSON := `[{
		"id": "tok-1",
		"type": "character",
		"icon_id": "goblin",
		"start_x": 1, "start_y": 2, "start_z": 0,
		"end_x": 2, "end_y": 3, "end_z": 1,
		"color_rgb": {"red": 10, "green": 20, "blue": 30}
	}]`
	require.NoError(t, rdb.Set(ctx, "tokenboard:room:room-1:data", legacyJSON, 0).Err())
	require.NoError(t, rdb.SAdd(ctx, "tokenboard:rooms:index", "room-1").Err())

	m := NewMigrator(s)
	reports, err := m.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "room-1", reports[0].RoomID)
	require.Equal(t, 1, reports[0].Migrated)
	require.Equal(t, 0, reports[0].Errors)

	entities, err := s.Read(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.NotNil(t, entities[0].Token)
	require.Equal(t, "tok-1", entities[0].Token.ID)
	require.Equal(t, "goblin", entities[0].Token.Contents.IconID)
	require.Equal(t, "icon", string(entities[0].Token.Contents.Type))
	require.NotNil(t, entities[0].Token.Color)
	require.Equal(t, uint8(10), entities[0].Token.Color.R)
	require.Equal(t, 1, entities[0].Token.StartX)
}

func TestMigrateLeavesCurrentShapeUntouched(t *testing.T) {
	s, rdb, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	currentJSON := `[{"token":{
		"id": "tok-2",
		"type": "floor",
		"contents": {"type": "text", "text": "hi"},
		"start_x": 0, "start_y": 0, "start_z": 0,
		"end_x": 1, "end_y": 1, "end_z": 1
	}}]`
	require.NoError(t, rdb.Set(ctx, "tokenboard:room:room-2:data", currentJSON, 0).Err())
	require.NoError(t, rdb.SAdd(ctx, "tokenboard:rooms:index", "room-2").Err())

	m := NewMigrator(s)
	reports, err := m.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, 0, reports[0].Migrated)

	entities, err := s.Read(ctx, "room-2")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, "hi", entities[0].Token.Contents.Text)
}

func TestMigrateEmptyRoomIsSkipped(t *testing.T) {
	s, rdb, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, rdb.SAdd(ctx, "tokenboard:rooms:index", "room-empty").Err())

	m := NewMigrator(s)
	reports, err := m.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, 0, reports[0].Migrated)
	require.Equal(t, 0, reports[0].Errors)
}
