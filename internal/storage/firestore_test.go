package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirestoreStorageConfig(t *testing.T) {
	t.Run("missing GCP project ID", func(t *testing.T) {
		_, err := NewFirestoreStorage(context.Background(), "", "(default)")
		assert.Error(t, err, "Expected error when GCP project ID is missing for Firestore storage")
		assert.Contains(t, err.Error(), "projectID is required")
	})
}

func TestFirestoreDocConversion(t *testing.T) {
	data := &ServiceData{
		ID:           "sub-1",
		AccessToken:  "a",
		RefreshToken: "r",
		ReceivedAt:   42,
		Claims:       map[string]any{"name": "Ada"},
	}

	doc := toServiceDataDoc(data)
	data.Claims["name"] = "mutated"
	assert.Equal(t, "Ada", doc.Claims["name"], "doc does not alias the caller's claims")

	userDoc := UserDoc{ID: "user-1", Services: map[string]ServiceDataDoc{"u5auth": doc}}
	user := userDoc.toUser()
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, int64(42), user.Services["u5auth"].ReceivedAt)
	assert.Equal(t, "r", user.Services["u5auth"].RefreshToken)
}
