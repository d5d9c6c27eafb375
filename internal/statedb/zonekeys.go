package statedb

import "fmt"

// Zone-scoped key helpers, all under the "zone.<id>." prefix spec.md §6
// specifies.

func requestedStateKey(zoneID string) string {
	return fmt.Sprintf("zone.%s.requested_state", zoneID)
}

func declarationsKey(zoneID string) string {
	return fmt.Sprintf("zone.%s.declarations", zoneID)
}

// PutRequestedState persists a zone's requested_state.
func (d *DB) PutRequestedState(zoneID, state string) error {
	return d.Put(requestedStateKey(zoneID), state)
}

// GetRequestedState reads back a zone's persisted requested_state.
func (d *DB) GetRequestedState(zoneID string) (string, bool, error) {
	return d.Get(requestedStateKey(zoneID))
}

// PutDeclarations persists a zone's provisioning declarations as a
// caller-supplied serialized blob (JSON).
func (d *DB) PutDeclarations(zoneID, blob string) error {
	return d.Put(declarationsKey(zoneID), blob)
}

// GetDeclarations reads back a zone's persisted declarations blob.
func (d *DB) GetDeclarations(zoneID string) (string, bool, error) {
	return d.Get(declarationsKey(zoneID))
}

// DeleteZone removes all persisted keys for zoneID, used on destroy().
func (d *DB) DeleteZone(zoneID string) error {
	if err := d.Delete(requestedStateKey(zoneID)); err != nil {
		return err
	}
	return d.Delete(declarationsKey(zoneID))
}
