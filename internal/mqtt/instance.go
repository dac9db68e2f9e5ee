package mqtt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Location of the instance ID in the runtime state store.
const (
	instanceNamespace = "mqtt"
	instanceKey       = "instance_id"
)

// StateStore is the part of [opstate.Store] the instance ID lives in.
type StateStore interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// InstanceID returns the persisted ID of this runtime, generating and
// storing a UUIDv7 on first use. It appears in the MQTT client ID and
// every state payload, and survives renames of device_name.
func InstanceID(ctx context.Context, store StateStore) (string, error) {
	id, err := store.Get(ctx, instanceNamespace, instanceKey)
	if err != nil {
		return "", fmt.Errorf("read instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	generated, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	id = generated.String()
	if err := store.Set(ctx, instanceNamespace, instanceKey, id); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}
