package store

// NextDeviceSequence allocates the next value of the per-device monotonic
// counter used as an ordering tiebreak between messages with equal
// timestamps.
func (db *DB) NextDeviceSequence() (int64, error) {
	var value int64
	err := db.QueryRow(`
		INSERT INTO counters (name, value) VALUES ('device_sequence', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`).Scan(&value)
	return value, err
}
