package domain

import "errors"

var (
	ErrEmptyVendorIdentity = errors.New("empty_vendor_identity")
	ErrSnapshotNotFound    = errors.New("identity_snapshot_not_found")
	ErrUnknownSource       = errors.New("unknown_identity_source")
)
