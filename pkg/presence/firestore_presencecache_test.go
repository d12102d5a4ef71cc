//go:build integration

package presence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running emulator, e.g.
// gcloud emulators firestore start --host-port=localhost:8086
// FIRESTORE_EMULATOR_HOST=localhost:8086 go test -tags integration ./pkg/presence/...
func TestFirestorePresenceCache_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	const collectionName = "device-presence"

	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	presenceCache, err := presence.NewFirestorePresenceCache[string, presence.Record](client, collectionName)
	require.NoError(t, err)

	const deviceID = "arduino_001"
	rec := presence.Record{
		DeviceID:    deviceID,
		LastSeen:    time.Now().UTC().Truncate(time.Millisecond),
		Topic:       "device/sensordata/arduino_001",
		Destination: "iot-sensor-readings",
		Priority:    types.PriorityNormal,
	}

	t.Run("Set, Fetch, and Delete cycle", func(t *testing.T) {
		require.NoError(t, presenceCache.Set(ctx, deviceID, rec))

		doc, err := client.Collection(collectionName).Doc(deviceID).Get(ctx)
		require.NoError(t, err)
		require.True(t, doc.Exists(), "Document should exist in Firestore after Set")

		retrieved, err := presenceCache.Fetch(ctx, deviceID)
		require.NoError(t, err)
		assert.Equal(t, rec.Topic, retrieved.Topic)
		assert.Equal(t, rec.Priority, retrieved.Priority)
		assert.True(t, rec.LastSeen.Equal(retrieved.LastSeen))

		require.NoError(t, presenceCache.Delete(ctx, deviceID))
		_, err = presenceCache.Fetch(ctx, deviceID)
		assert.ErrorIs(t, err, presence.ErrNotFound)
	})

	t.Run("Delete of a missing key is not an error", func(t *testing.T) {
		assert.NoError(t, presenceCache.Delete(ctx, "never-seen"))
	})
}
