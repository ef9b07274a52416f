package id

import "github.com/rs/xid"

// XID returns a short sortable id. Used for event sequence ids.
func XID() string {
	return xid.New().String()
}
