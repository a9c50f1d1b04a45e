package localstate

import (
	"encoding/json"
	"fmt"
	"time"
)

const createdKey = "lamp/created"

type created struct {
	LampID     string    `json:"lamp_id"`
	ShareToken string    `json:"share_token"`
	At         time.Time `json:"at"`
}

// Record remembers the lamp this install created.
type Record struct {
	kv KV
}

func NewRecord(kv KV) *Record {
	return &Record{kv: kv}
}

// HasCreated reports whether this install already created a lamp. A read
// failure counts as not created; the store still rejects duplicates.
func (r *Record) HasCreated() bool {
	ok, err := r.kv.Has(createdKey)
	return err == nil && ok
}

// MarkCreated stores the lamp id and share token for later re-sharing.
func (r *Record) MarkCreated(lampID, token string) error {
	data, err := json.Marshal(created{LampID: lampID, ShareToken: token, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode local record: %w", err)
	}
	return r.kv.Set(createdKey, data)
}

// Created returns the stored lamp id and share token.
func (r *Record) Created() (lampID, token string, ok bool) {
	data, err := r.kv.Get(createdKey)
	if err != nil {
		return "", "", false
	}
	var c created
	if err := json.Unmarshal(data, &c); err != nil || c.LampID == "" {
		return "", "", false
	}
	return c.LampID, c.ShareToken, true
}
